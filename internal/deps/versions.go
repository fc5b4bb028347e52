package deps

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/magiconair/properties"

	"github.com/CZERTAINLY/Agent/internal/model"
)

// VersionsFile is the pin file of a payload, a java properties file
// mapping group:artifact to a version.
var VersionsFile = filepath.Join(".runner", "dependencyversions.properties")

// Versions provides the concrete version of maven dependencies requesting
// the latest one. Pins of the payload win over the policy defaults.
type Versions struct {
	pins     map[string]string
	defaults map[string]string
}

func NewVersions(pins, defaults map[string]string) Versions {
	return Versions{pins: pins, defaults: defaults}
}

// LoadVersions reads the pin file of the payload, if any.
func LoadVersions(payloadDir string, defaults map[string]string) (Versions, error) {
	path := filepath.Join(payloadDir, VersionsFile)
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewVersions(nil, defaults), nil
	}
	if err != nil {
		return Versions{}, err
	}

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Versions{}, &model.ConfigError{Msg: "Error while reading default dependency versions", Err: err}
	}
	return NewVersions(p.Map(), defaults), nil
}

func (v Versions) Lookup(id string) (string, bool) {
	if version, ok := v.pins[id]; ok && version != "" {
		return version, true
	}
	if version, ok := v.defaults[id]; ok && version != "" {
		return version, true
	}
	return "", false
}

// Rewrite replaces the latest version of maven URIs. A latest version
// without a known replacement is a *model.ConfigError.
func (v Versions) Rewrite(uris []URI) ([]URI, error) {
	ret := make([]URI, 0, len(uris))
	for _, u := range uris {
		if !u.IsMaven() {
			ret = append(ret, u)
			continue
		}
		m, err := ParseMaven(u)
		if err != nil {
			return nil, &model.ConfigError{Msg: "Invalid dependency", Err: err}
		}
		if m.IsLatest() {
			version, ok := v.Lookup(m.ID)
			if !ok {
				return nil, &model.ConfigError{Msg: fmt.Sprintf("Unofficial dependency '%s': version is required", m.ID)}
			}
			m.Version = version
		}
		ret = append(ret, m.URI())
	}
	return ret, nil
}
