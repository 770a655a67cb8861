// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package backend

import (
	"context"
	"net"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists guest state and seed-data history through pgx,
// giving the concentrator's registry a durable recollection of
// previously observed guests across restarts (spec.md §6's
// GetObservedGuests contract).
//
// Schema (created out of band by the operator, not by this package):
//
//	CREATE TABLE vspc_guests (
//	    uuid TEXT PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    port INTEGER,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE vspc_seed (
//	    uuid TEXT PRIMARY KEY REFERENCES vspc_guests(uuid) ON DELETE CASCADE,
//	    data BYTEA NOT NULL DEFAULT ''
//	);
type Postgres struct {
	pool    *pgxpool.Pool
	seedCap int
}

// NewPostgres opens a pool against dsn. seedCap bounds how many trailing
// bytes of console output are retained per guest for SeedData replay.
func NewPostgres(ctx context.Context, dsn string, seedCap int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, seedCap: seedCap}, nil
}

func (p *Postgres) GetObservedGuests(ctx context.Context) ([]ObservedGuest, error) {
	rows, err := p.pool.Query(ctx, `SELECT uuid, name, port FROM vspc_guests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ObservedGuest
	for rows.Next() {
		var o ObservedGuest
		var port *int32
		if err := rows.Scan(&o.UUID, &o.Name, &port); err != nil {
			return nil, err
		}
		if port != nil {
			v := int(*port)
			o.Port = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) NotifyGuest(ctx context.Context, uuid, name string, port *int) {
	var portArg *int32
	if port != nil {
		v := int32(*port)
		portArg = &v
	}
	p.pool.Exec(ctx, `
		INSERT INTO vspc_guests (uuid, name, port, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (uuid) DO UPDATE SET name = excluded.name, port = excluded.port, updated_at = now()
	`, uuid, name, portArg)
}

func (p *Postgres) NotifyGuestMessage(ctx context.Context, uuid, name string, data []byte) {
	if p.seedCap <= 0 {
		return
	}
	var prior []byte
	p.pool.QueryRow(ctx, `SELECT data FROM vspc_seed WHERE uuid = $1`, uuid).Scan(&prior)

	buf := append(prior, data...)
	if len(buf) > p.seedCap {
		buf = buf[len(buf)-p.seedCap:]
	}

	p.pool.Exec(ctx, `
		INSERT INTO vspc_seed (uuid, data) VALUES ($1, $2)
		ON CONFLICT (uuid) DO UPDATE SET data = excluded.data
	`, uuid, buf)
}

func (p *Postgres) NotifyGuestDeleted(ctx context.Context, uuid string) {
	p.pool.Exec(ctx, `DELETE FROM vspc_guests WHERE uuid = $1`, uuid)
}

func (p *Postgres) NotifyClientDeleted(ctx context.Context, conn net.Conn, uuid string) {}

func (p *Postgres) SeedData(ctx context.Context, uuid string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM vspc_seed WHERE uuid = $1`, uuid).Scan(&data)
	if err != nil {
		return nil, nil //nolint:nilerr // no seed row is not an error, per the Notifier contract
	}
	return data, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
