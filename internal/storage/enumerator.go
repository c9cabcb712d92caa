package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"persistentfs/internal/cache"
	"persistentfs/internal/common"
	"persistentfs/internal/util"
)

// Enumerator is a persistent, append-only string interner: equal strings
// always map to the same id and ids are never reused or remapped. It backs
// the Name Enumerator, the attribute-type enumerator and the content-hash
// index, each in its own SQLite file.
type Enumerator struct {
	path  string
	kind  string
	db    *sql.DB
	bunDB *bun.DB
	cache *cache.NameCache

	// mu serializes insertion of new values.
	mu    sync.Mutex
	maxID atomic.Int32
}

// openEnumerator opens or creates the enumerator at path. owner is the
// creation timestamp of the records file: an enumerator created for another
// incarnation of the store is discarded and recreated empty.
func openEnumerator(ctx context.Context, path, kind string, owner int64, cacheSize int) (*Enumerator, error) {
	e, err := openEnumeratorFile(ctx, path, kind, owner, cacheSize)
	if err != nil {
		return nil, err
	}
	stored, err := e.schemaValue(ctx, "owner_created")
	if err != nil {
		e.Close()
		return nil, common.NewIOError("read "+kind+" owner", err)
	}
	if stored == strconv.FormatInt(owner, 10) {
		return e, nil
	}

	log.WithFields(log.Fields{"enumerator": kind, "stored": stored, "owner": owner}).
		Warn("enumerator belongs to another store incarnation, recreating")
	e.Close()
	if err := removeSQLiteFiles(path); err != nil {
		return nil, common.NewIOError("remove "+kind, err)
	}
	return openEnumeratorFile(ctx, path, kind, owner, cacheSize)
}

func openEnumeratorFile(ctx context.Context, path, kind string, owner int64, cacheSize int) (*Enumerator, error) {
	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, common.NewIOError("open "+kind, err)
	}
	// Writes are serialized by Enumerator.mu; one connection avoids
	// SQLITE_BUSY between our own pooled connections.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, common.NewIOError("open "+kind, err)
	}
	if err := execStatements(db, enumeratorSchema); err != nil {
		db.Close()
		return nil, common.NewIOError("create "+kind+" schema", err)
	}
	if err := execStatements(db, initEnumerator, EnumeratorSchemaVersion, kind, strconv.FormatInt(owner, 10)); err != nil {
		db.Close()
		return nil, common.NewIOError("init "+kind, err)
	}

	e := &Enumerator{
		path:  path,
		kind:  kind,
		db:    db,
		bunDB: bun.NewDB(db, sqlitedialect.New()),
		cache: cache.NewNameCache(cacheSize),
	}

	var maxID sql.NullInt64
	if err := e.bunDB.NewRaw(`SELECT MAX(id) FROM enumerated`).Scan(ctx, &maxID); err != nil {
		db.Close()
		return nil, common.NewIOError("scan "+kind, err)
	}
	if maxID.Valid {
		e.maxID.Store(int32(maxID.Int64))
	}
	return e, nil
}

func (e *Enumerator) schemaValue(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := e.bunDB.NewSelect().Model(&info).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return info.Value, err
}

// Enumerate returns the id of value, interning it if it is new.
func (e *Enumerator) Enumerate(ctx context.Context, value string) (int32, error) {
	if id, ok := e.cache.Lookup(value); ok {
		return id, nil
	}
	if id, ok, err := e.find(ctx, value); err != nil || ok {
		return id, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Lost the race to another writer of the same value?
	if id, ok, err := e.find(ctx, value); err != nil || ok {
		return id, err
	}
	id, err := util.RetryWithResult(ctx, func() (int32, error) {
		model := &EnumeratedModel{Value: value}
		// libsql doesn't support LastInsertId
		if _, err := e.bunDB.NewInsert().Model(model).Returning("id").Exec(ctx); err != nil {
			return 0, err
		}
		return model.ID, nil
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return 0, common.NewIOError("enumerate "+e.kind, err)
	}
	e.maxID.Store(max(e.maxID.Load(), id))
	e.cache.Set(id, value)
	return id, nil
}

// TryEnumerate returns the id of value without interning it.
func (e *Enumerator) TryEnumerate(ctx context.Context, value string) (int32, bool, error) {
	if id, ok := e.cache.Lookup(value); ok {
		return id, true, nil
	}
	return e.find(ctx, value)
}

func (e *Enumerator) find(ctx context.Context, value string) (int32, bool, error) {
	var model EnumeratedModel
	err := e.bunDB.NewSelect().Model(&model).Where("value = ?", value).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return NullID, false, nil
	}
	if err != nil {
		return NullID, false, common.NewIOError("lookup "+e.kind, err)
	}
	e.cache.Set(model.ID, model.Value)
	return model.ID, true, nil
}

// ValueOf returns the string interned under id.
func (e *Enumerator) ValueOf(ctx context.Context, id int32) (string, error) {
	if id == NullID {
		return "", nil
	}
	if value, ok := e.cache.Get(id); ok {
		return value, nil
	}
	var model EnumeratedModel
	err := e.bunDB.NewSelect().Model(&model).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", common.Corruptf("%s id %d is not enumerated", e.kind, id)
	}
	if err != nil {
		return "", common.NewIOError("value of "+e.kind, err)
	}
	e.cache.Set(model.ID, model.Value)
	return model.Value, nil
}

// MaxID returns the largest id produced so far (0 when empty).
func (e *Enumerator) MaxID() int32 {
	return e.maxID.Load()
}

// ForEach streams every (id, value) pair in id order.
func (e *Enumerator) ForEach(ctx context.Context, fn func(id int32, value string) error) error {
	rows, err := e.bunDB.NewSelect().Model((*EnumeratedModel)(nil)).Order("id ASC").Rows(ctx)
	if err != nil {
		return common.NewIOError("scan "+e.kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var model EnumeratedModel
		if err := e.bunDB.ScanRow(ctx, rows, &model); err != nil {
			return common.NewIOError("scan "+e.kind, err)
		}
		if err := fn(model.ID, model.Value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Invalidate drops the in-memory id <-> value cache.
func (e *Enumerator) Invalidate() {
	e.cache.Invalidate()
}

// Close closes the enumerator database.
func (e *Enumerator) Close() error {
	if err := e.bunDB.Close(); err != nil {
		return fmt.Errorf("close %s: %w", e.kind, err)
	}
	return nil
}

// removeSQLiteFiles removes a database file and its WAL companions.
func removeSQLiteFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
