// Package catalog holds the static command tables: for every parameter the
// request code sent to the ECU, the decode formula, the unit and the valid
// range.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/goobd/internal/formula"
)

// ErrNotSupported is returned when a parameter is not in the catalog.
var ErrNotSupported = errors.New("parameter not supported")

// Protocol identifies which request layout a catalog uses.
type Protocol int

const (
	// Legacy is OBD-II service 01: "01" + 2-hex-digit PID.
	Legacy Protocol = iota
	// Manufacturer is ReadDataByIdentifier: "22" + 4-hex-digit DID.
	Manufacturer
)

func (p Protocol) String() string {
	switch p {
	case Legacy:
		return "legacy"
	case Manufacturer:
		return "manufacturer"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// requestLen is the number of hex characters in a full request code.
func (p Protocol) requestLen() int {
	if p == Manufacturer {
		return 6
	}
	return 4
}

func (p Protocol) service() string {
	if p == Manufacturer {
		return "22"
	}
	return "01"
}

// CommandDefinition describes one requestable parameter.
type CommandDefinition struct {
	Name        string  `yaml:"name" json:"name"`
	RequestCode string  `yaml:"request_code" json:"requestCode"` // e.g. 010C or 221234
	Description string  `yaml:"description" json:"description"`
	Unit        string  `yaml:"unit" json:"unit"`
	Formula     string  `yaml:"formula" json:"formula"` // over A, B, C, D
	MinValue    float64 `yaml:"min_value" json:"minValue"`
	MaxValue    float64 `yaml:"max_value" json:"maxValue"`
	Header      string  `yaml:"header,omitempty" json:"header,omitempty"` // ECU address for this service, "" = default

	expr *formula.Expr
}

// Expr returns the compiled formula. Definitions obtained from a Catalog are
// always compiled.
func (d CommandDefinition) Expr() *formula.Expr { return d.expr }

// Catalog is an immutable, name-keyed command table.
type Catalog struct {
	protocol Protocol
	byName   map[string]CommandDefinition
	byCode   map[string]string
	order    []string
}

// New validates defs and builds a catalog. Formulas are compiled once here.
func New(p Protocol, defs []CommandDefinition) (*Catalog, error) {
	c := &Catalog{
		protocol: p,
		byName:   make(map[string]CommandDefinition, len(defs)),
		byCode:   make(map[string]string, len(defs)),
	}
	for _, d := range defs {
		if err := c.add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is New for the built-in tables.
func MustNew(p Protocol, defs []CommandDefinition) *Catalog {
	c, err := New(p, defs)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) add(d CommandDefinition) error {
	if err := c.validate(&d); err != nil {
		return err
	}
	if prev, ok := c.byCode[d.RequestCode]; ok && prev != d.Name {
		return fmt.Errorf("catalog: %s: request code %s already used by %s", d.Name, d.RequestCode, prev)
	}
	if _, exists := c.byName[d.Name]; !exists {
		c.order = append(c.order, d.Name)
	} else {
		// Replacing an entry: drop its old reverse mapping.
		delete(c.byCode, c.byName[d.Name].RequestCode)
	}
	c.byName[d.Name] = d
	c.byCode[d.RequestCode] = d.Name
	return nil
}

func (c *Catalog) validate(d *CommandDefinition) error {
	if d.Name == "" {
		return errors.New("catalog: definition without name")
	}
	d.RequestCode = strings.ToUpper(strings.TrimSpace(d.RequestCode))
	d.Header = strings.ToUpper(strings.TrimSpace(d.Header))
	if len(d.RequestCode) != c.protocol.requestLen() || !isHex(d.RequestCode) {
		return fmt.Errorf("catalog: %s: request code %q is not %d hex digits", d.Name, d.RequestCode, c.protocol.requestLen())
	}
	if !strings.HasPrefix(d.RequestCode, c.protocol.service()) {
		return fmt.Errorf("catalog: %s: request code %q must start with service %s", d.Name, d.RequestCode, c.protocol.service())
	}
	if d.Header != "" && !isHex(d.Header) {
		return fmt.Errorf("catalog: %s: header %q is not hex", d.Name, d.Header)
	}
	if d.MinValue > d.MaxValue {
		return fmt.Errorf("catalog: %s: min_value %v > max_value %v", d.Name, d.MinValue, d.MaxValue)
	}
	expr, err := formula.Compile(d.Formula)
	if err != nil {
		return fmt.Errorf("catalog: %s: %w", d.Name, err)
	}
	d.expr = expr
	return nil
}

// Protocol returns the request layout of the catalog.
func (c *Catalog) Protocol() Protocol { return c.protocol }

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (CommandDefinition, error) {
	d, ok := c.byName[name]
	if !ok {
		return CommandDefinition{}, fmt.Errorf("%w: %s", ErrNotSupported, name)
	}
	return d, nil
}

// ByRequestCode returns the definition with the given request code.
func (c *Catalog) ByRequestCode(code string) (CommandDefinition, bool) {
	name, ok := c.byCode[strings.ToUpper(code)]
	if !ok {
		return CommandDefinition{}, false
	}
	return c.byName[name], true
}

// SupportedParameters lists parameter names in declaration order.
func (c *Catalog) SupportedParameters() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.order) }

// fileFormat is the on-disk layout for catalog extension files.
type fileFormat struct {
	Legacy       []CommandDefinition `yaml:"legacy"`
	Manufacturer []CommandDefinition `yaml:"manufacturer"`
}

// Extend returns a copy of c with defs added. Entries with an existing name
// replace the built-in definition.
func (c *Catalog) Extend(defs []CommandDefinition) (*Catalog, error) {
	out := &Catalog{
		protocol: c.protocol,
		byName:   make(map[string]CommandDefinition, len(c.byName)+len(defs)),
		byCode:   make(map[string]string, len(c.byCode)+len(defs)),
		order:    append([]string(nil), c.order...),
	}
	for k, v := range c.byName {
		out.byName[k] = v
	}
	for k, v := range c.byCode {
		out.byCode[k] = v
	}
	for _, d := range defs {
		if err := out.add(d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadFile reads a YAML extension file and returns base extended with the
// section matching base's protocol.
//
//	legacy:
//	  - name: oil_temp
//	    request_code: 015C
//	    unit: °C
//	    formula: A-40
//	    min_value: -40
//	    max_value: 215
func LoadFile(path string, base *Catalog) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	defs := ff.Legacy
	if base.protocol == Manufacturer {
		defs = ff.Manufacturer
	}
	return base.Extend(defs)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
