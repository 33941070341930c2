package spawner

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// manifest is the subset of package.json the resolution pipeline reads.
type manifest struct {
	Bin json.RawMessage `json:"bin"`
	Main string         `json:"main"`
}

func readManifest(pkgDir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// binPath resolves the manifest's "bin" field, which may be a bare
// string or an object keyed by command name.
func (m *manifest) binPath(pkgName string) (string, bool) {
	if len(m.Bin) == 0 {
		return "", false
	}
	var asString string
	if err := json.Unmarshal(m.Bin, &asString); err == nil && asString != "" {
		return asString, true
	}
	var asMap map[string]string
	if err := json.Unmarshal(m.Bin, &asMap); err == nil {
		if p, ok := asMap[pkgName]; ok {
			return p, true
		}
		for _, p := range asMap {
			return p, true
		}
	}
	return "", false
}
