// Package registry resolves data source ids to descriptors.
package registry

import (
	"context"
	"os"
	"regexp"
	"sort"

	"github.com/cockroachdb/dsinspect/dsconn"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no data source has the requested id.
var ErrNotFound = errors.New("data source not found")

// Registry is the persistence layer for data source descriptors. Contexts
// are opaque grouping keys.
type Registry interface {
	Get(ctx context.Context, id dsconn.ID) (dsconn.Descriptor, error)
	// List returns the descriptors of a context ordered by id, or of every
	// context if contextID is empty.
	List(ctx context.Context, contextID string) ([]dsconn.Descriptor, error)
}

// Static is an in-memory registry.
type Static struct {
	byID  map[dsconn.ID]dsconn.Descriptor
	order []dsconn.ID
}

var _ Registry = (*Static)(nil)

// NewStatic builds a registry from descriptors, which must have unique ids.
func NewStatic(descs ...dsconn.Descriptor) (*Static, error) {
	s := &Static{byID: make(map[dsconn.ID]dsconn.Descriptor, len(descs))}
	for _, d := range descs {
		if d.ID == "" {
			return nil, errors.Newf("data source %q in context %q must have an id", d.Name, d.ContextID)
		}
		if _, ok := s.byID[d.ID]; ok {
			return nil, errors.Newf("duplicate data source id %s", d.ID)
		}
		s.byID[d.ID] = d
		s.order = append(s.order, d.ID)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return s, nil
}

func (s *Static) Get(ctx context.Context, id dsconn.ID) (dsconn.Descriptor, error) {
	d, ok := s.byID[id]
	if !ok {
		return dsconn.Descriptor{}, errors.Wrapf(ErrNotFound, "data source %s", id)
	}
	return d, nil
}

func (s *Static) List(ctx context.Context, contextID string) ([]dsconn.Descriptor, error) {
	ret := []dsconn.Descriptor{}
	for _, id := range s.order {
		d := s.byID[id]
		if contextID == "" || d.ContextID == contextID {
			ret = append(ret, d)
		}
	}
	return ret, nil
}

type fileContext struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	DataSources []dsconn.Descriptor `yaml:"data_sources"`
}

type file struct {
	Contexts []fileContext `yaml:"contexts"`
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading data sources from %s", path)
	}
	s, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading data sources from %s", path)
	}
	return s, nil
}

// Parse reads a registry from YAML. Data sources without an id get
// `<context id>/<name>`, and `${VAR}` references in secrets are expanded
// from the environment.
func Parse(b []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "error parsing data sources")
	}
	var descs []dsconn.Descriptor
	for _, c := range f.Contexts {
		if c.ID == "" {
			return nil, errors.Newf("context %q must have an id", c.Name)
		}
		for _, d := range c.DataSources {
			d.ContextID = c.ID
			if d.ID == "" && d.Name != "" {
				d.ID = dsconn.ID(c.ID + "/" + d.Name)
			}
			if err := expandSecrets(&d); err != nil {
				return nil, errors.Wrapf(err, "data source %s", d.ID)
			}
			descs = append(descs, d)
		}
	}
	return NewStatic(descs...)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. Bare $ signs are left alone as
// they are common in passwords.
func expandEnv(s string) (string, error) {
	var missing []string
	ret := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", errors.Newf("environment variable %s is not set", missing[0])
	}
	return ret, nil
}

func expandSecrets(d *dsconn.Descriptor) error {
	secrets := []*string{&d.Password}
	if d.Proxy != nil {
		p := *d.Proxy
		d.Proxy = &p
		secrets = append(secrets, &p.Password)
		if p.SSH != nil {
			ssh := *p.SSH
			p.SSH = &ssh
			secrets = append(secrets, &ssh.Password, &ssh.Passphrase)
		}
	}
	for _, s := range secrets {
		v, err := expandEnv(*s)
		if err != nil {
			return err
		}
		*s = v
	}
	if v, ok := d.Options[dsconn.OptionSchemaRegistryPassword]; ok {
		expanded, err := expandEnv(v)
		if err != nil {
			return err
		}
		opts := make(map[string]string, len(d.Options))
		for k, v := range d.Options {
			opts[k] = v
		}
		opts[dsconn.OptionSchemaRegistryPassword] = expanded
		d.Options = opts
	}
	return nil
}
