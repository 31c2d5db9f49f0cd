package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/kvstore"
)

const (
	keyOutputConfig    = "out.ini"
	keyAnalyzerLog     = "analyzer.log"
	keyCurrentEA       = "current_ea"
	keyRemappedBinPath = "remapped_bin_path"
	keyRemapBinary     = "remap_binary"
	keyCFAOut          = "cfaout.marshal"
	keyOverrides       = "overrides"
)

// storeSet logs store failures; results stay usable in memory.
func (s *Session) storeSet(key string, value []byte) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.Set(s.ctx, key, value); err != nil {
		s.log.Warnf("storing %s: %v", key, err)
	}
}

func (s *Session) storeGet(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.deps.Store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Session) persistOverrides() {
	data, err := s.overrides.MarshalJSON()
	if err != nil {
		s.log.Warnf("encoding overrides: %v", err)
		return
	}
	s.storeSet(keyOverrides, data)
}

// LoadFromStore rebuilds the last result from the store without running the
// analyzer. Stored output and log are replayed through OnAnalysisComplete.
func (s *Session) LoadFromStore(ctx context.Context) error {
	if s.deps.Store == nil {
		return nil
	}
	out, hasOut, err := s.storeGet(ctx, keyOutputConfig)
	if err != nil {
		return err
	}
	logData, hasLog, err := s.storeGet(ctx, keyAnalyzerLog)
	if err != nil {
		return err
	}

	// The remap settings are restored first; replaying writes them back.
	if p, found, err := s.storeGet(ctx, keyRemappedBinPath); err != nil {
		return err
	} else if found && fileExists(string(p)) {
		s.mu.Lock()
		s.remappedBinPath = string(p)
		s.mu.Unlock()
	}
	if v, found, err := s.storeGet(ctx, keyRemapBinary); err != nil {
		return err
	} else if found {
		remap, err := strconv.ParseBool(string(v))
		if err != nil {
			s.log.Warnf("invalid stored %s value %q", keyRemapBinary, string(v))
		} else {
			s.mu.Lock()
			s.remapBinary = remap
			s.mu.Unlock()
		}
	}

	if hasOut && hasLog {
		s.log.Info("Loading analysis results from store")
		if err := s.replay(ctx, out, logData); err != nil {
			return err
		}
	}

	if data, found, err := s.storeGet(ctx, keyOverrides); err != nil {
		return err
	} else if found {
		if err := s.overrides.UnmarshalJSON(data); err != nil {
			s.log.Warnf("decoding stored overrides: %v", err)
		}
	}
	return nil
}

func (s *Session) replay(ctx context.Context, out, logData []byte) error {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "bincat-restore")
	if err != nil {
		return err
	}
	outPath := filepath.Join(dir, keyOutputConfig)
	logPath := filepath.Join(dir, keyAnalyzerLog)
	if err := os.WriteFile(outPath, out, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(logPath, logData, 0o600); err != nil {
		return err
	}

	var addr *cfa.Address
	if raw, found, err := s.storeGet(ctx, keyCurrentEA); err != nil {
		return err
	} else if found {
		a, err := cfa.ParseAddress(string(raw))
		if err != nil {
			s.log.Warnf("invalid stored %s value %q", keyCurrentEA, string(raw))
		} else {
			addr = &a
		}
	}
	snapshot, hasSnapshot, err := s.storeGet(ctx, keyCFAOut)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(outPath, logPath, "", addr)
	if hasSnapshot {
		s.lastCFAOut = snapshot
	}
	return nil
}
