// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/mastra-ai/runtime/pkg/api"
	"github.com/mastra-ai/runtime/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS resources (
	kind      TEXT NOT NULL,
	namespace TEXT NOT NULL,
	name      TEXT NOT NULL,
	data      BLOB NOT NULL,
	PRIMARY KEY (kind, namespace, name)
);
CREATE TABLE IF NOT EXISTS network_state (
	network_id TEXT PRIMARY KEY,
	data       BLOB NOT NULL
);
`

// SQLiteDriver persists resources and network state in a single SQLite
// file. Resources are stored as YAML so the kind-dispatched spec decoding
// applies on load; network state is stored as JSON.
type SQLiteDriver struct {
	db *sql.DB

	watchMu  sync.RWMutex
	watchers map[uint64]func(Change)
	watchID  uint64
}

// OpenSQLiteDriver opens (creating if needed) the database at path.
func OpenSQLiteDriver(path string) (*SQLiteDriver, error) {
	if path == "" {
		return nil, &errors.ConfigError{Key: "memory.url", Reason: "sqlite driver requires a file path"}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent reconcilers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}

	return &SQLiteDriver{
		db:       db,
		watchers: make(map[uint64]func(Change)),
	}, nil
}

// SetResource implements Driver.
func (d *SQLiteDriver) SetResource(r *api.Resource) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding resource")
	}
	key := r.Key()
	_, err = d.db.Exec(
		`INSERT INTO resources (kind, namespace, name, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, namespace, name) DO UPDATE SET data = excluded.data`,
		key.Kind, key.Namespace, key.Name, data)
	if err != nil {
		return errors.Wrap(err, "persisting resource")
	}
	d.notify(Change{Resource: &key})
	return nil
}

// GetResource implements Driver.
func (d *SQLiteDriver) GetResource(key api.Key) (*api.Resource, bool, error) {
	var data []byte
	err := d.db.QueryRow(
		`SELECT data FROM resources WHERE kind = ? AND namespace = ? AND name = ?`,
		key.Kind, key.Namespace, key.Name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "loading resource")
	}

	var r api.Resource
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, false, errors.Wrap(err, "decoding resource")
	}
	return &r, true, nil
}

// DeleteResource implements Driver.
func (d *SQLiteDriver) DeleteResource(key api.Key) error {
	res, err := d.db.Exec(
		`DELETE FROM resources WHERE kind = ? AND namespace = ? AND name = ?`,
		key.Kind, key.Namespace, key.Name)
	if err != nil {
		return errors.Wrap(err, "deleting resource")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.notify(Change{Resource: &key, Deleted: true})
	}
	return nil
}

// ListResources implements Driver.
func (d *SQLiteDriver) ListResources() ([]*api.Resource, error) {
	rows, err := d.db.Query(`SELECT data FROM resources`)
	if err != nil {
		return nil, errors.Wrap(err, "listing resources")
	}
	defer rows.Close()

	var out []*api.Resource
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scanning resource row")
		}
		var r api.Resource
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrap(err, "decoding resource")
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SetNetworkState implements Driver.
func (d *SQLiteDriver) SetNetworkState(networkID string, state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encoding network state")
	}
	_, err = d.db.Exec(
		`INSERT INTO network_state (network_id, data) VALUES (?, ?)
		 ON CONFLICT (network_id) DO UPDATE SET data = excluded.data`,
		networkID, data)
	if err != nil {
		return errors.Wrap(err, "persisting network state")
	}
	d.notify(Change{NetworkID: networkID})
	return nil
}

// GetNetworkState implements Driver.
func (d *SQLiteDriver) GetNetworkState(networkID string) (map[string]any, bool, error) {
	var data []byte
	err := d.db.QueryRow(
		`SELECT data FROM network_state WHERE network_id = ?`, networkID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "loading network state")
	}

	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, errors.Wrap(err, "decoding network state")
	}
	return state, true, nil
}

// DeleteNetworkState implements Driver.
func (d *SQLiteDriver) DeleteNetworkState(networkID string) error {
	res, err := d.db.Exec(`DELETE FROM network_state WHERE network_id = ?`, networkID)
	if err != nil {
		return errors.Wrap(err, "deleting network state")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.notify(Change{NetworkID: networkID, Deleted: true})
	}
	return nil
}

// Watch implements Driver.
func (d *SQLiteDriver) Watch(fn func(Change)) func() {
	id := atomic.AddUint64(&d.watchID, 1)

	d.watchMu.Lock()
	d.watchers[id] = fn
	d.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.watchMu.Lock()
			delete(d.watchers, id)
			d.watchMu.Unlock()
		})
	}
}

// Close implements Driver.
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}

func (d *SQLiteDriver) notify(change Change) {
	d.watchMu.RLock()
	defer d.watchMu.RUnlock()
	for _, fn := range d.watchers {
		fn(change)
	}
}
