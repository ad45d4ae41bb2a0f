package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// --- Font operations ---

// InsertFont adds f, replacing an existing entry with the same provider key.
func (s *Store) InsertFont(f *Font) (int64, error) {
	if f.Style == "" {
		f.Style = "Regular"
	}
	if f.Weight == 0 {
		f.Weight = 400
	}
	res, err := s.db.Exec(
		`INSERT OR REPLACE INTO fonts (provider, key, family, family_lower, style, weight, path)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.Provider, f.Key, f.Family, strings.ToLower(f.Family), f.Style, f.Weight, f.Path,
	)
	if err != nil {
		return 0, fmt.Errorf("insert font: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	return id, nil
}

const fontColumns = "id, provider, key, family, style, weight, COALESCE(path, '')"

func scanFonts(rows *sql.Rows) ([]*Font, error) {
	defer rows.Close()
	var fonts []*Font
	for rows.Next() {
		f := &Font{}
		if err := rows.Scan(&f.ID, &f.Provider, &f.Key, &f.Family, &f.Style, &f.Weight, &f.Path); err != nil {
			return nil, fmt.Errorf("scan font: %w", err)
		}
		fonts = append(fonts, f)
	}
	return fonts, rows.Err()
}

// FontsByFamily returns the faces of a family, matched case-insensitively,
// in insertion order.
func (s *Store) FontsByFamily(family string) ([]*Font, error) {
	rows, err := s.db.Query(
		"SELECT "+fontColumns+" FROM fonts WHERE family_lower = ? ORDER BY id",
		strings.ToLower(family),
	)
	if err != nil {
		return nil, fmt.Errorf("fonts by family: %w", err)
	}
	return scanFonts(rows)
}

// Fonts returns every face ordered by family and style.
func (s *Store) Fonts() ([]*Font, error) {
	rows, err := s.db.Query("SELECT " + fontColumns + " FROM fonts ORDER BY family_lower, style, weight")
	if err != nil {
		return nil, fmt.Errorf("fonts: %w", err)
	}
	return scanFonts(rows)
}

// Families returns the distinct family names.
func (s *Store) Families() ([]string, error) {
	rows, err := s.db.Query("SELECT family FROM fonts GROUP BY family_lower ORDER BY family_lower")
	if err != nil {
		return nil, fmt.Errorf("families: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan family: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFontsByProvider removes every face of one provider.
func (s *Store) DeleteFontsByProvider(provider string) error {
	if _, err := s.db.Exec("DELETE FROM fonts WHERE provider = ?", provider); err != nil {
		return fmt.Errorf("delete fonts: %w", err)
	}
	return nil
}

// --- Package operations ---

// InsertPackage adds p, replacing an existing entry for the same version.
func (s *Store) InsertPackage(p *Package) (int64, error) {
	if p.Entry == "" {
		p.Entry = "lib.typ"
	}
	res, err := s.db.Exec(
		`INSERT OR REPLACE INTO packages (namespace, name, version, source, path, entry)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Namespace, p.Name, p.Version, p.Source, p.Path, p.Entry,
	)
	if err != nil {
		return 0, fmt.Errorf("insert package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	return id, nil
}

const packageColumns = "id, namespace, name, version, source, COALESCE(path, ''), entry"

func scanPackage(scanner interface{ Scan(...any) error }) (*Package, error) {
	p := &Package{}
	if err := scanner.Scan(&p.ID, &p.Namespace, &p.Name, &p.Version, &p.Source, &p.Path, &p.Entry); err != nil {
		return nil, err
	}
	return p, nil
}

// PackagesByNamespace returns the packages of ns ordered by name and version.
func (s *Store) PackagesByNamespace(ns string) ([]*Package, error) {
	rows, err := s.db.Query(
		"SELECT "+packageColumns+" FROM packages WHERE namespace = ? ORDER BY name, version", ns,
	)
	if err != nil {
		return nil, fmt.Errorf("packages by namespace: %w", err)
	}
	defer rows.Close()
	var pkgs []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

// PackageByVersion returns one package version, or nil if it is unknown.
func (s *Store) PackageByVersion(ns, name, version string) (*Package, error) {
	p, err := scanPackage(s.db.QueryRow(
		"SELECT "+packageColumns+" FROM packages WHERE namespace = ? AND name = ? AND version = ?",
		ns, name, version,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("package by version: %w", err)
	}
	return p, nil
}
