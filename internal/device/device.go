// Package device holds the per-installation context every component is
// built from: the persisted identity, the config directory and the thing
// this process drives.
package device

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	identityFile     = "lg.json"
	thingNamePattern = "lg_thing_%d"
	rootCAFile       = "aws-iot-rootCA.crt"
	clientSuffixLen  = 3
	letters          = "abcdefghijklmnopqrstuvwxyz"
)

// Identity is the content of the identity file.
type Identity struct {
	ID string `json:"lg_id"`
}

// Context is the device identity plus the paths derived from it.
type Context struct {
	ID        uuid.UUID
	Dir       string
	ThingName string

	fs afero.Fs
}

// ThingName returns the name of thing number n.
func ThingName(n int) string {
	return fmt.Sprintf(thingNamePattern, n)
}

// Load reads the identity in dir, creating it on first run, and binds the
// context to thing number n.
func Load(fsys afero.Fs, dir string, n int) (*Context, error) {
	id, err := loadOrCreateIdentity(fsys, dir)
	if err != nil {
		return nil, err
	}
	return &Context{ID: id, Dir: dir, ThingName: ThingName(n), fs: fsys}, nil
}

func loadOrCreateIdentity(fsys afero.Fs, dir string) (uuid.UUID, error) {
	path := filepath.Join(dir, identityFile)
	data, err := afero.ReadFile(fsys, path)
	switch {
	case err == nil:
		var ident Identity
		if err := json.Unmarshal(data, &ident); err != nil {
			return uuid.Nil, fmt.Errorf("parse identity file %s: %w", path, err)
		}
		id, err := uuid.Parse(ident.ID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid device id in %s: %w", path, err)
		}
		return id, nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return uuid.Nil, fmt.Errorf("read identity file: %w", err)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return uuid.Nil, fmt.Errorf("create config dir %s: %w", dir, err)
	}
	id := uuid.New()
	data, err = json.Marshal(Identity{ID: id.URN()})
	if err != nil {
		return uuid.Nil, err
	}
	if err := afero.WriteFile(fsys, path, data, 0o644); err != nil {
		return uuid.Nil, fmt.Errorf("write identity file: %w", err)
	}
	return id, nil
}

// ClientID returns a connection client id unique to this process: the
// device id plus a random suffix, since two live connections may not share
// an id.
func (c *Context) ClientID(rng *rand.Rand) string {
	var b strings.Builder
	b.WriteString(c.ID.String())
	b.WriteByte('_')
	for range clientSuffixLen {
		if rng != nil {
			b.WriteByte(letters[rng.IntN(len(letters))])
		} else {
			b.WriteByte(letters[rand.IntN(len(letters))])
		}
	}
	return b.String()
}

// CertFile is the thing's client certificate.
func (c *Context) CertFile() string {
	return filepath.Join(c.Dir, c.ThingName+".pem")
}

// KeyFile is the thing's private key.
func (c *Context) KeyFile() string {
	return filepath.Join(c.Dir, c.ThingName+".prv")
}

// RootCAFile is the broker's root certificate.
func (c *Context) RootCAFile() string {
	return filepath.Join(c.Dir, rootCAFile)
}

func (c *Context) coordinatesFile() string {
	return filepath.Join(c.Dir, c.ThingName+".json")
}

// Position is the persisted last known actuator position.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// LoadCoordinates returns the last saved position. A missing file is the
// origin; a corrupt one is returned as an error together with the origin.
func (c *Context) LoadCoordinates() (Position, error) {
	data, err := afero.ReadFile(c.fs, c.coordinatesFile())
	if errors.Is(err, fs.ErrNotExist) {
		return Position{}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("read coordinates: %w", err)
	}
	var p Position
	if err := json.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("parse coordinates %s: %w", c.coordinatesFile(), err)
	}
	return p, nil
}

// SaveCoordinates persists p for the next start.
func (c *Context) SaveCoordinates(p Position) error {
	if err := c.fs.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := afero.WriteFile(c.fs, c.coordinatesFile(), data, 0o644); err != nil {
		return fmt.Errorf("write coordinates: %w", err)
	}
	return nil
}
