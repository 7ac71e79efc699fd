// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Dilithium Power

package eeprom

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFile is a parsed configuration file: a header of parameter names
// and one row per unit.
type ConfigFile struct {
	Header []string
	Rows   [][]string
}

// ReadConfigFile parses a configuration file
func ReadConfigFile(path string) (*ConfigFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no header", ErrInvalidConfigurationRow, path)
	}

	cf := &ConfigFile{Header: records[0]}
	for i := range cf.Header {
		cf.Header[i] = strings.TrimSpace(cf.Header[i])
	}
	for _, rec := range records[1:] {
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		cf.Rows = append(cf.Rows, rec)
	}
	return cf, nil
}

func (cf *ConfigFile) column(name string) int {
	for i, h := range cf.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// Find returns the index of the unique row for serial
func (cf *ConfigFile) Find(serial int) (int, error) {
	col := cf.column(SerialNumberParam)
	if col < 0 {
		return -1, fmt.Errorf("%w: no %s column", ErrInvalidConfigurationRow, SerialNumberParam)
	}

	found := -1
	for i, row := range cf.Rows {
		if col >= len(row) {
			continue
		}
		v, err := ParseValue(strings.TrimSpace(row[col]))
		if err != nil || math.Round(v) != float64(serial) {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("%w: serial %d appears more than once", ErrDuplicateConfiguration, serial)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: serial %d", ErrConfigurationNotFound, serial)
	}
	return found, nil
}

// Entry is one parameter value taken from a configuration row
type Entry struct {
	Name  string
	Index int
	Value float64
}

// Entries returns the writable values of row in file column order.
// The firmware version column is skipped. Every cell is validated first.
func (cf *ConfigFile) Entries(row int) ([]Entry, error) {
	cells := cf.Rows[row]
	if len(cells) != len(cf.Header) {
		return nil, fmt.Errorf("%w: row has %d cells, header has %d", ErrInvalidConfigurationRow, len(cells), len(cf.Header))
	}

	entries := make([]Entry, 0, len(cells))
	for i, name := range cf.Header {
		if name == FirmwareVersionParam {
			continue
		}
		idx, err := IndexOf(name)
		if err != nil {
			return nil, err
		}
		v, err := ParseValue(strings.TrimSpace(cells[i]))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, err := EncodeValue(schema[idx].Type, v); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, Index: idx, Value: v})
	}
	return entries, nil
}

// loadEntries reads the file and returns the validated entries for serial
func loadEntries(path string, serial int) ([]Entry, error) {
	cf, err := ReadConfigFile(path)
	if err != nil {
		return nil, err
	}
	row, err := cf.Find(serial)
	if err != nil {
		return nil, err
	}
	return cf.Entries(row)
}

// LoadFromFile writes the configuration stored for serial to the device,
// skipping the firmware version. Nothing is written unless the file holds
// exactly one valid row for serial.
func (m *Memory) LoadFromFile(ctx context.Context, path string, serial int) ([]WriteResult, error) {
	entries, err := loadEntries(path, serial)
	if err != nil {
		return nil, err
	}

	m.log.Info().Int("serial", serial).Str("file", path).Msg("writing configuration to unit")
	results := make([]WriteResult, 0, len(entries))
	for _, e := range entries {
		res, err := m.WriteAndConfirm(ctx, e.Index, e.Value)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Mismatch is a parameter whose device value differs from the file
type Mismatch struct {
	Name     string
	Expected float64
	Actual   float64
}

// ConfirmFromFile reads back every configured parameter and reports those
// that differ from the file by more than ConfirmTolerance.
func (m *Memory) ConfirmFromFile(ctx context.Context, path string, serial int) ([]Mismatch, error) {
	entries, err := loadEntries(path, serial)
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	for _, e := range entries {
		actual, err := m.ReadSlot(ctx, e.Index)
		if err != nil {
			return mismatches, err
		}
		if approxEqual(actual, e.Value, ConfirmTolerance) {
			m.log.Info().Str("param", e.Name).Msg("confirmed")
			continue
		}
		m.log.Error().Str("param", e.Name).Float64("expected", e.Value).Float64("actual", actual).Msg("not confirmed")
		mismatches = append(mismatches, Mismatch{Name: e.Name, Expected: e.Value, Actual: actual})
	}
	return mismatches, nil
}

// SaveToFile reads the whole memory and stores it in the configuration
// file: the row for the device's serial number is replaced, or appended when
// absent. A missing file is created with a header in slot order.
func (m *Memory) SaveToFile(ctx context.Context, path string) error {
	if err := m.BulkRead(ctx); err != nil {
		return err
	}
	params := m.table.Params()
	serial := m.table.SerialNumber()

	cf, err := ReadConfigFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cf = &ConfigFile{}
		for _, p := range params {
			cf.Header = append(cf.Header, p.Name)
		}
	case err != nil:
		return err
	}

	row := make([]string, len(cf.Header))
	idx, err := cf.Find(serial)
	switch {
	case err == nil:
		copy(row, cf.Rows[idx])
	case errors.Is(err, ErrConfigurationNotFound):
		idx = -1
	default:
		return err
	}

	for i, name := range cf.Header {
		slotIdx, err := IndexOf(name)
		if err != nil {
			continue
		}
		p := params[slotIdx]
		row[i] = FormatValue(p.Type, p.Value)
	}

	if idx >= 0 {
		cf.Rows[idx] = row
		m.log.Info().Int("serial", serial).Str("file", path).Msg("configuration updated")
	} else {
		cf.Rows = append(cf.Rows, row)
		m.log.Info().Int("serial", serial).Str("file", path).Msg("configuration appended")
	}
	return cf.WriteFile(path)
}

// WriteFile writes the configuration atomically
func (cf *ConfigFile) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(cf.Header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(cf.Rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
