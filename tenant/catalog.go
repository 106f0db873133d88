package tenant

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/cases"
)

// Database is one logical payroll database ("payroll class") reachable through
// the shared physical pool.
type Database struct {
	ID           string
	DisplayName  string
	PhysicalName string
	// Aliases are the payroll-class codes users and tokens refer to the
	// database by. They are matched case-insensitively.
	Aliases []string
	Active  bool
}

// Catalog maps logical database identifiers and aliases to Databases.
type Catalog struct {
	ordered []Database
	byKey   map[string]int
}

type fileConfig struct {
	Databases []databaseConfig `json:"databases"`
}

type databaseConfig struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	PhysicalName string   `json:"physicalName"`
	Aliases      []string `json:"aliases"`
	Active       *bool    `json:"active"`
}

const maxPhysicalNameLength = 128

// LoadCatalog loads and validates a tenant catalog JSON file. Lines whose first
// non-blank character is '#' are ignored.
func LoadCatalog(path string) (Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return Catalog{}, err
	}
	defer file.Close()

	var filtered bytes.Buffer
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		filtered.WriteString(line)
		filtered.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return Catalog{}, err
	}

	dec := json.NewDecoder(&filtered)
	dec.DisallowUnknownFields()
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil {
		return Catalog{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Catalog{}, errors.New("catalog has trailing data")
	}

	databases := make([]Database, 0, len(cfg.Databases))
	for _, entry := range cfg.Databases {
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		databases = append(databases, Database{
			ID:           entry.ID,
			DisplayName:  entry.DisplayName,
			PhysicalName: entry.PhysicalName,
			Aliases:      entry.Aliases,
			Active:       active,
		})
	}
	return NewCatalog(databases)
}

// NewCatalog validates databases and builds a Catalog. IDs, physical names and
// aliases share one case-folded namespace and must be unique across it.
func NewCatalog(databases []Database) (Catalog, error) {
	if len(databases) == 0 {
		return Catalog{}, errors.New("databases must not be empty")
	}

	catalog := Catalog{
		ordered: make([]Database, 0, len(databases)),
		byKey:   make(map[string]int, len(databases)*3),
	}

	for i, db := range databases {
		id := strings.TrimSpace(db.ID)
		if id == "" {
			return Catalog{}, fmt.Errorf("databases[%d].id is required", i)
		}
		physical := strings.TrimSpace(db.PhysicalName)
		if physical == "" {
			return Catalog{}, fmt.Errorf("databases[%d].physicalName is required", i)
		}
		if err := validatePhysicalName(physical); err != nil {
			return Catalog{}, fmt.Errorf("databases[%d].physicalName %v", i, err)
		}
		display := strings.TrimSpace(db.DisplayName)
		if display == "" {
			display = id
		}

		aliases := make([]string, 0, len(db.Aliases))
		for _, alias := range db.Aliases {
			trimmed := strings.TrimSpace(alias)
			if trimmed == "" {
				return Catalog{}, fmt.Errorf("databases[%d].aliases must not include empty values", i)
			}
			aliases = append(aliases, trimmed)
		}

		index := len(catalog.ordered)
		keys := append([]string{id, physical}, aliases...)
		seen := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			folded := foldKey(key)
			if _, dup := seen[folded]; dup {
				continue
			}
			seen[folded] = struct{}{}
			if other, exists := catalog.byKey[folded]; exists {
				return Catalog{}, fmt.Errorf("databases[%d] key %q is already used by %q", i, key, catalog.ordered[other].ID)
			}
			catalog.byKey[folded] = index
		}

		catalog.ordered = append(catalog.ordered, Database{
			ID:           id,
			DisplayName:  display,
			PhysicalName: physical,
			Aliases:      aliases,
			Active:       db.Active,
		})
	}

	return catalog, nil
}

// Lookup resolves a logical database by id, physical name or alias. Inactive
// databases do not resolve.
func (c Catalog) Lookup(nameOrAlias string) (Database, bool) {
	key := foldKey(nameOrAlias)
	if key == "" || c.byKey == nil {
		return Database{}, false
	}
	index, ok := c.byKey[key]
	if !ok {
		return Database{}, false
	}
	db := c.ordered[index]
	if !db.Active {
		return Database{}, false
	}
	return db, true
}

// Databases returns the active databases in catalog order.
func (c Catalog) Databases() []Database {
	out := make([]Database, 0, len(c.ordered))
	for _, db := range c.ordered {
		if db.Active {
			out = append(out, db)
		}
	}
	return out
}

// Len reports the number of catalog entries, active or not.
func (c Catalog) Len() int {
	return len(c.ordered)
}

// foldKey builds a fresh Caser per call; Casers carry state and are not safe
// for concurrent use.
func foldKey(value string) string {
	return cases.Fold().String(strings.TrimSpace(value))
}

func validatePhysicalName(name string) error {
	if len(name) > maxPhysicalNameLength {
		return fmt.Errorf("must be at most %d characters", maxPhysicalNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("contains unsupported character %q", r)
		}
	}
	return nil
}
