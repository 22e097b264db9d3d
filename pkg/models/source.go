package models

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// SourceType identifies the kind of remote source behind a connection.
type SourceType string

const (
	SourceTypePostgres   SourceType = "postgres"
	SourceTypeSnowflake  SourceType = "snowflake"
	SourceTypeMotherDuck SourceType = "motherduck"
	SourceTypeDuckDB     SourceType = "duckdb"
	SourceTypeIceberg    SourceType = "iceberg"
)

// CredentialType discriminates the credential variants.
type CredentialType string

const (
	CredentialNone      CredentialType = "none"
	CredentialSecretRef CredentialType = "secret_ref"
)

// Credential is either absent or a reference to a stored secret by name.
// Plaintext never appears here; it is resolved at fetch time.
type Credential struct {
	Type CredentialType `json:"type"`
	Name string         `json:"name,omitempty"`
}

// IsSecretRef reports whether the credential references a stored secret.
func (c Credential) IsSecretRef() bool {
	return c.Type == CredentialSecretRef && c.Name != ""
}

// PostgresConfig holds connection details for a Postgres source.
type PostgresConfig struct {
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	User       string     `json:"user"`
	Database   string     `json:"database"`
	Credential Credential `json:"credential"`
}

// SnowflakeConfig holds connection details for a Snowflake source.
type SnowflakeConfig struct {
	Account    string     `json:"account"`
	User       string     `json:"user"`
	Warehouse  string     `json:"warehouse"`
	Database   string     `json:"database"`
	Role       string     `json:"role,omitempty"`
	Credential Credential `json:"credential"`
}

// MotherDuckConfig holds connection details for a MotherDuck source.
// Database doubles as the catalog name used to filter table discovery.
type MotherDuckConfig struct {
	Database   string     `json:"database"`
	Credential Credential `json:"credential"`
}

// DuckDBConfig holds the path to a local DuckDB database file.
type DuckDBConfig struct {
	Path string `json:"path"`
}

// IcebergConfig holds catalog connection details for an Iceberg source.
// CatalogType is "rest" or "glue".
type IcebergConfig struct {
	CatalogType string     `json:"catalog_type"`
	URI         string     `json:"uri,omitempty"`
	Warehouse   string     `json:"warehouse,omitempty"`
	Region      string     `json:"region,omitempty"`
	Namespace   string     `json:"namespace,omitempty"`
	Credential  Credential `json:"credential"`
}

// Source is a tagged variant over the supported remote source kinds. Exactly
// one of the config fields is set, matching Type. On the wire it serializes
// flat with a "type" discriminator: {"type":"postgres","host":...}.
type Source struct {
	Type       SourceType
	Postgres   *PostgresConfig
	Snowflake  *SnowflakeConfig
	MotherDuck *MotherDuckConfig
	DuckDB     *DuckDBConfig
	Iceberg    *IcebergConfig
}

// Catalog returns the catalog name this source scopes discovery to, if any.
// For MotherDuck this is the database name.
func (s *Source) Catalog() string {
	switch s.Type {
	case SourceTypeMotherDuck:
		if s.MotherDuck != nil {
			return s.MotherDuck.Database
		}
	case SourceTypeIceberg:
		if s.Iceberg != nil {
			return s.Iceberg.Warehouse
		}
	}
	return ""
}

// Credential returns the credential configured on the source.
func (s *Source) Credential() Credential {
	switch s.Type {
	case SourceTypePostgres:
		if s.Postgres != nil {
			return s.Postgres.Credential
		}
	case SourceTypeSnowflake:
		if s.Snowflake != nil {
			return s.Snowflake.Credential
		}
	case SourceTypeMotherDuck:
		if s.MotherDuck != nil {
			return s.MotherDuck.Credential
		}
	case SourceTypeIceberg:
		if s.Iceberg != nil {
			return s.Iceberg.Credential
		}
	}
	return Credential{Type: CredentialNone}
}

// Validate checks that the config matching Type is present and well-formed.
func (s *Source) Validate() error {
	switch s.Type {
	case SourceTypePostgres:
		if s.Postgres == nil || s.Postgres.Host == "" || s.Postgres.Database == "" {
			return fmt.Errorf("postgres source requires host and database")
		}
	case SourceTypeSnowflake:
		if s.Snowflake == nil || s.Snowflake.Account == "" || s.Snowflake.Database == "" {
			return fmt.Errorf("snowflake source requires account and database")
		}
	case SourceTypeMotherDuck:
		if s.MotherDuck == nil || s.MotherDuck.Database == "" {
			return fmt.Errorf("motherduck source requires database")
		}
	case SourceTypeDuckDB:
		if s.DuckDB == nil || s.DuckDB.Path == "" {
			return fmt.Errorf("duckdb source requires path")
		}
	case SourceTypeIceberg:
		if s.Iceberg == nil || s.Iceberg.CatalogType == "" {
			return fmt.Errorf("iceberg source requires catalog_type")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	return nil
}

type sourceEnvelope struct {
	Type SourceType `json:"type"`
}

// MarshalJSON flattens the active config alongside the type discriminator.
func (s Source) MarshalJSON() ([]byte, error) {
	var cfg any
	switch s.Type {
	case SourceTypePostgres:
		cfg = s.Postgres
	case SourceTypeSnowflake:
		cfg = s.Snowflake
	case SourceTypeMotherDuck:
		cfg = s.MotherDuck
	case SourceTypeDuckDB:
		cfg = s.DuckDB
	case SourceTypeIceberg:
		cfg = s.Iceberg
	default:
		return nil, fmt.Errorf("cannot marshal source with unknown type %q", s.Type)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, err
	}
	typeTag, err := json.Marshal(s.Type)
	if err != nil {
		return nil, err
	}
	flat["type"] = typeTag
	return json.Marshal(flat)
}

// UnmarshalJSON reads the discriminator and decodes the matching config.
func (s *Source) UnmarshalJSON(data []byte) error {
	var env sourceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*s = Source{Type: env.Type}
	switch env.Type {
	case SourceTypePostgres:
		s.Postgres = &PostgresConfig{}
		return json.Unmarshal(data, s.Postgres)
	case SourceTypeSnowflake:
		s.Snowflake = &SnowflakeConfig{}
		return json.Unmarshal(data, s.Snowflake)
	case SourceTypeMotherDuck:
		s.MotherDuck = &MotherDuckConfig{}
		return json.Unmarshal(data, s.MotherDuck)
	case SourceTypeDuckDB:
		s.DuckDB = &DuckDBConfig{}
		return json.Unmarshal(data, s.DuckDB)
	case SourceTypeIceberg:
		s.Iceberg = &IcebergConfig{}
		return json.Unmarshal(data, s.Iceberg)
	default:
		return fmt.Errorf("unknown source type %q", env.Type)
	}
}

// ResolvedSource is a source with its secret reference replaced by plaintext.
// It is valid only for the duration of one driver call; callers must not
// retain or log it.
type ResolvedSource struct {
	Source *Source
	Secret []byte
}

// SecretString interprets the resolved secret as UTF-8 text.
func (r *ResolvedSource) SecretString() (string, error) {
	if r.Secret == nil {
		return "", fmt.Errorf("no credential available")
	}
	return string(r.Secret), nil
}

// ConnectionString builds the driver connection string for the resolved
// source. User-provided values are URL-encoded so they cannot smuggle
// connection options.
func (r *ResolvedSource) ConnectionString() (string, error) {
	s := r.Source
	switch s.Type {
	case SourceTypePostgres:
		pw, err := r.SecretString()
		if err != nil {
			return "", err
		}
		c := s.Postgres
		return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s",
			url.QueryEscape(c.User), url.QueryEscape(pw),
			url.QueryEscape(c.Host), c.Port, url.QueryEscape(c.Database)), nil
	case SourceTypeMotherDuck:
		token, err := r.SecretString()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("md:%s?motherduck_token=%s",
			url.QueryEscape(s.MotherDuck.Database), url.QueryEscape(token)), nil
	case SourceTypeDuckDB:
		return s.DuckDB.Path, nil
	default:
		return "", fmt.Errorf("no connection string form for source type %q", s.Type)
	}
}
