package analyzerconf

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/ini.v1"

	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/overrides"
)

const (
	programSection  = "program"
	importsSection  = "imports"
	analyzerSection = "analyzer"
	overrideSection = "override"

	filepathKey    = "filepath"
	headersKey     = "headers"
	analysisKey    = "analysis"
	storeCFAKey    = "store_marshalled_cfa"
	inCFAFileKey   = "in_marshalled_cfa_file"
	outCFAFileKey  = "out_marshalled_cfa_file"
	headerListSep  = ","
	overrideSep    = ";"
	overrideFields = ","
)

// Analysis methods that continue from a previously recorded CFA.
var priorCFAMethods = []string{"forward_cfa", "backward"}

// Config is the analyzer input document. Sections it does not know about are
// kept untouched.
type Config struct {
	file *ini.File
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		KeyValueDelimiters:  "=",
		IgnoreInlineComment: true,
	}
}

func New() *Config {
	return &Config{file: ini.Empty(loadOptions())}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

func LoadString(s string) (*Config, error) {
	return parse([]byte(s))
}

func parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(loadOptions(), data)
	if err != nil {
		return nil, fmt.Errorf("parsing analyzer config: %w", err)
	}
	return &Config{file: f}, nil
}

func (c *Config) get(section, key string) string {
	sec, err := c.file.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return ""
	}
	return sec.Key(key).String()
}

func (c *Config) set(section, key, value string) {
	c.file.Section(section).Key(key).SetValue(value)
}

func (c *Config) BinaryPath() string {
	return c.get(programSection, filepathKey)
}

func (c *Config) SetBinaryPath(p string) {
	c.set(programSection, filepathKey, p)
}

// Headers returns the header/package files, empty entries dropped.
func (c *Config) Headers() []string {
	raw := strings.Split(c.get(importsSection, headersKey), headerListSep)
	return lo.Compact(lo.Map(raw, func(s string, _ int) string { return strings.TrimSpace(s) }))
}

func (c *Config) SetHeaders(headers []string) {
	c.set(importsSection, headersKey, strings.Join(headers, headerListSep))
}

func (c *Config) AnalysisMethod() string {
	return c.get(analyzerSection, analysisKey)
}

func (c *Config) SetAnalysisMethod(m string) {
	c.set(analyzerSection, analysisKey, m)
}

// RequiresPriorCFA reports whether the method resumes from a CFA snapshot.
func (c *Config) RequiresPriorCFA() bool {
	return lo.Contains(priorCFAMethods, c.AnalysisMethod())
}

func (c *Config) SetCFAOptions(store bool, in, out string) {
	c.set(analyzerSection, storeCFAKey, strconv.FormatBool(store))
	c.set(analyzerSection, inCFAFileKey, in)
	c.set(analyzerSection, outCFAFileKey, out)
}

func (c *Config) InCFAPath() string {
	return c.get(analyzerSection, inCFAFileKey)
}

// SetInCFAPath removes the key when p is empty.
func (c *Config) SetInCFAPath(p string) {
	c.setOrDelete(analyzerSection, inCFAFileKey, p)
}

func (c *Config) OutCFAPath() string {
	return c.get(analyzerSection, outCFAFileKey)
}

// SetOutCFAPath removes the key when p is empty.
func (c *Config) SetOutCFAPath(p string) {
	c.setOrDelete(analyzerSection, outCFAFileKey, p)
}

func (c *Config) setOrDelete(section, key, value string) {
	if value != "" {
		c.set(section, key, value)
		return
	}
	if sec, err := c.file.GetSection(section); err == nil {
		sec.DeleteKey(key)
	}
}

// UpdateOverrides rewrites the override section. Entries sharing an address
// are joined in list order.
func (c *Config) UpdateOverrides(list []overrides.Override) {
	c.file.DeleteSection(overrideSection)
	if len(list) == 0 {
		return
	}
	sec := c.file.Section(overrideSection)
	var order []cfa.Address
	grouped := map[cfa.Address][]string{}
	for _, o := range list {
		if _, found := grouped[o.Address]; !found {
			order = append(order, o.Address)
		}
		grouped[o.Address] = append(grouped[o.Address], o.Register+overrideFields+" "+o.TaintMask)
	}
	for _, addr := range order {
		sec.Key(addr.String()).SetValue(strings.Join(grouped[addr], overrideSep+" "))
	}
}

// Overrides parses the override section back into entries.
func (c *Config) Overrides() ([]overrides.Override, error) {
	sec, err := c.file.GetSection(overrideSection)
	if err != nil {
		return nil, nil
	}
	var res []overrides.Override
	for _, key := range sec.Keys() {
		addr, err := cfa.ParseAddress(key.Name())
		if err != nil {
			return nil, err
		}
		for _, item := range strings.Split(key.Value(), overrideSep) {
			reg, mask, ok := strings.Cut(item, overrideFields)
			if !ok {
				return nil, fmt.Errorf("override %s: invalid entry %q", key.Name(), item)
			}
			res = append(res, overrides.Override{
				Address:   addr,
				Register:  strings.TrimSpace(reg),
				TaintMask: strings.TrimSpace(mask),
			})
		}
	}
	return res, nil
}

// Sections lists section names except the implicit default one, sorted.
func (c *Config) Sections() []string {
	names := lo.Without(c.file.SectionStrings(), ini.DefaultSection)
	sort.Strings(names)
	return names
}

func (c *Config) Clone() (*Config, error) {
	return LoadString(c.String())
}

func (c *Config) String() string {
	var buf bytes.Buffer
	if _, err := c.file.WriteTo(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (c *Config) WriteFile(path string) error {
	return os.WriteFile(path, []byte(c.String()), 0o600)
}
