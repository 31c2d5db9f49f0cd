package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/session"
)

func TestReport(t *testing.T) {
	r := require.New(t)
	p := filepath.Join(t.TempDir(), "out.ini")
	r.NoError(os.WriteFile(p, []byte(sampleResult), 0o600))
	res, err := cfa.ParseFile(p)
	r.NoError(err)

	rep := buildReport("/bin/sample.exe", res, session.Cursor{Address: 0x1004, HasAddress: true})
	r.Equal(4, rep.Nodes)
	r.Equal("0x1004", rep.Cursor)
	r.Equal([]addressReport{
		{Address: "0x1000", Nodes: []string{"0"}},
		{Address: "0x1004", Nodes: []string{"1", "2"}, Tainted: true},
		{Address: "0x1008", Nodes: []string{"3"}},
	}, rep.Addresses)

	var buf bytes.Buffer
	r.NoError(writeYAML(&buf, rep))
	var decoded analysisReport
	r.NoError(yaml.Unmarshal(buf.Bytes(), &decoded))
	r.Equal(rep, decoded)

	buf.Reset()
	renderReport(&buf, rep)
	r.Contains(buf.String(), "/bin/sample.exe")
	r.Contains(buf.String(), "0x1008")
}
