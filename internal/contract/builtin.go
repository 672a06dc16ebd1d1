package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jmerrifield20/assetledger/internal/asset"
)

// Builtin contract names.
const (
	AssetPut         = "asset.put"
	AssetGet         = "asset.get"
	AssetHistory     = "asset.history"
	CollectionCreate = "collection.create"
	CollectionAdd    = "collection.add"
	CollectionGet    = "collection.get"
	TableCreate      = "table.create"
	TableInsert      = "table.insert"
	TableSelect      = "table.select"
)

func registerBuiltins(r *Registry) {
	r.MustRegister(AssetPut, Func(assetPut))
	r.MustRegister(AssetGet, Func(assetGet))
	r.MustRegister(AssetHistory, Func(assetHistory))
	r.MustRegister(CollectionCreate, Func(collectionCreate))
	r.MustRegister(CollectionAdd, Func(collectionAdd))
	r.MustRegister(CollectionGet, Func(collectionGet))
	r.MustRegister(TableCreate, Func(tableCreate))
	r.MustRegister(TableInsert, Func(tableInsert))
	r.MustRegister(TableSelect, Func(tableSelect))
}

// Version is the history element returned by asset.history.
type Version struct {
	Age  uint64          `json:"age"`
	Data json.RawMessage `json:"data"`
}

func target(arg *Argument) (ns, id string, err error) {
	if id, err = arg.String("id"); err != nil {
		return "", "", err
	}
	ns, err = arg.StringOr("namespace", "")
	return ns, id, err
}

// assetPut: {"id", "namespace"?, "data"} -> data
func assetPut(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	ns, id, err := target(arg)
	if err != nil {
		return nil, err
	}
	data, err := arg.JSON("data")
	if err != nil {
		return nil, err
	}
	if err := l.PutIn(ctx, ns, id, data); err != nil {
		return nil, err
	}
	return data, nil
}

// assetGet: {"id", "namespace"?} -> current data
func assetGet(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	ns, id, err := target(arg)
	if err != nil {
		return nil, err
	}
	a, err := l.GetIn(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAssetNotFound.New(asset.NewKey(ns, id).String())
	}
	return a.Data, nil
}

// assetHistory: {"id", "namespace"?, "start_age"?, "start_exclusive"?,
// "end_age"?, "end_exclusive"?, "order"?, "limit"?} -> []Version
func assetHistory(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	ns, id, err := target(arg)
	if err != nil {
		return nil, err
	}
	f := asset.NewFilter(asset.NewKey(ns, id))
	if arg.Has("start_age") {
		start, err := arg.Uint64("start_age")
		if err != nil {
			return nil, err
		}
		excl, err := optBool(arg.View, "start_exclusive")
		if err != nil {
			return nil, err
		}
		f = f.WithStart(start, !excl)
	}
	if arg.Has("end_age") {
		end, err := arg.Uint64("end_age")
		if err != nil {
			return nil, err
		}
		excl, err := optBool(arg.View, "end_exclusive")
		if err != nil {
			return nil, err
		}
		f = f.WithEnd(end, !excl)
	}
	order, err := arg.StringOr("order", "")
	if err != nil {
		return nil, err
	}
	if f.Order, err = asset.ParseOrder(order); err != nil {
		return nil, err
	}
	if arg.Has("limit") {
		n, err := arg.Uint64("limit")
		if err != nil {
			return nil, err
		}
		f.Limit = int(min(n, 1<<31-1))
	}

	records, err := l.Scan(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Version, len(records))
	for i, r := range records {
		out[i] = Version{Age: r.Age, Data: r.Data}
	}
	return out, nil
}

func optBool(v View, key string) (bool, error) {
	if !v.Has(key) {
		return false, nil
	}
	return v.Bool(key)
}

// objectName reads the "name" of a collection or table. Row ids are built
// by appending ":<n>" to the table id, so a name may not contain ':'.
func objectName(arg *Argument) (string, error) {
	name, err := arg.String("name")
	if err != nil {
		return "", err
	}
	if name == "" || strings.Contains(name, ":") {
		return "", ErrInvalidArgument.New(fmt.Sprintf("invalid name %q", name))
	}
	return name, nil
}

// Collections are ordered item lists stored as one asset, "collection:<name>".

type collection struct {
	Items []json.RawMessage `json:"items"`
}

func collectionID(name string) string { return "collection:" + name }

func loadJSON(ctx context.Context, l Ledger, id string, into any) error {
	raw, err := l.Invoke(ctx, AssetGet, map[string]any{"id": id})
	if err != nil {
		return err
	}
	data, ok := raw.(json.RawMessage)
	if !ok {
		return fmt.Errorf("asset.get returned %T", raw)
	}
	return json.Unmarshal(data, into)
}

// collectionCreate: {"name"} -> {"name", "size"}
func collectionCreate(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	name, err := objectName(arg)
	if err != nil {
		return nil, err
	}
	existing, err := l.Get(ctx, collectionID(name))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Reject("collection %q already exists", name)
	}
	if _, err := l.Invoke(ctx, AssetPut, map[string]any{
		"id":   collectionID(name),
		"data": collection{Items: []json.RawMessage{}},
	}); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "size": 0}, nil
}

// collectionAdd: {"name", "item"} -> {"name", "size"}
func collectionAdd(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	name, err := objectName(arg)
	if err != nil {
		return nil, err
	}
	item, err := arg.JSON("item")
	if err != nil {
		return nil, err
	}
	var c collection
	if err := loadJSON(ctx, l, collectionID(name), &c); err != nil {
		return nil, err
	}
	c.Items = append(c.Items, item)
	if _, err := l.Invoke(ctx, AssetPut, map[string]any{"id": collectionID(name), "data": c}); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "size": len(c.Items)}, nil
}

// collectionGet: {"name"} -> items
func collectionGet(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	name, err := objectName(arg)
	if err != nil {
		return nil, err
	}
	var c collection
	if err := loadJSON(ctx, l, collectionID(name), &c); err != nil {
		return nil, err
	}
	return c.Items, nil
}

// Tables keep a schema asset "table:<name>" and one asset per row,
// "table:<name>:<n>".

type tableSchema struct {
	Columns []string `json:"columns"`
	Rows    uint64   `json:"rows"`
}

func tableID(name string) string { return "table:" + name }

func rowID(name string, n uint64) string { return fmt.Sprintf("table:%s:%d", name, n) }

// tableCreate: {"name", "columns": [string]} -> schema
func tableCreate(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	name, err := objectName(arg)
	if err != nil {
		return nil, err
	}
	raw, err := arg.Array("columns")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrInvalidArgument.New("a table needs at least one column")
	}
	cols := make([]string, 0, len(raw))
	for _, c := range raw {
		s, ok := c.(string)
		if !ok || s == "" {
			return nil, ErrInvalidArgument.New("column names must be non-empty strings")
		}
		if slices.Contains(cols, s) {
			return nil, ErrInvalidArgument.New(fmt.Sprintf("duplicate column %q", s))
		}
		cols = append(cols, s)
	}
	existing, err := l.Get(ctx, tableID(name))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, Reject("table %q already exists", name)
	}
	schema := tableSchema{Columns: cols}
	if _, err := l.Invoke(ctx, AssetPut, map[string]any{"id": tableID(name), "data": schema}); err != nil {
		return nil, err
	}
	return schema, nil
}

// tableInsert: {"name", "row": {column: value}} -> {"row": n}
func tableInsert(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	name, err := objectName(arg)
	if err != nil {
		return nil, err
	}
	row, err := arg.Object("row")
	if err != nil {
		return nil, err
	}
	var schema tableSchema
	if err := loadJSON(ctx, l, tableID(name), &schema); err != nil {
		return nil, err
	}
	for _, col := range row.Keys() {
		if !slices.Contains(schema.Columns, col) {
			return nil, Reject("table %q has no column %q", name, col)
		}
	}
	data, err := arg.JSON("row")
	if err != nil {
		return nil, err
	}
	n := schema.Rows
	if _, err := l.Invoke(ctx, AssetPut, map[string]any{"id": rowID(name, n), "data": data}); err != nil {
		return nil, err
	}
	schema.Rows++
	if _, err := l.Invoke(ctx, AssetPut, map[string]any{"id": tableID(name), "data": schema}); err != nil {
		return nil, err
	}
	return map[string]any{"row": n}, nil
}

// tableSelect: {"name", "where"?: {column: value}, "limit"?} -> [row]
func tableSelect(ctx context.Context, l Ledger, arg *Argument) (any, error) {
	name, err := objectName(arg)
	if err != nil {
		return nil, err
	}
	var where map[string]json.RawMessage
	if arg.Has("where") {
		w, err := arg.Object("where")
		if err != nil {
			return nil, err
		}
		where = make(map[string]json.RawMessage)
		for _, k := range w.Keys() {
			if where[k], err = w.JSON(k); err != nil {
				return nil, err
			}
		}
	}
	limit := uint64(0)
	if arg.Has("limit") {
		if limit, err = arg.Uint64("limit"); err != nil {
			return nil, err
		}
	}

	var schema tableSchema
	if err := loadJSON(ctx, l, tableID(name), &schema); err != nil {
		return nil, err
	}
	out := []json.RawMessage{}
	for n := uint64(0); n < schema.Rows; n++ {
		var row map[string]json.RawMessage
		if err := loadJSON(ctx, l, rowID(name, n), &row); err != nil {
			return nil, err
		}
		if !matches(row, where) {
			continue
		}
		raw, err := asset.CanonicalMarshal(row)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
		if limit > 0 && uint64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

// matches compares canonical encodings, so 1 and 1.0 are different values.
func matches(row, where map[string]json.RawMessage) bool {
	for k, want := range where {
		got, ok := row[k]
		if !ok {
			return false
		}
		c, err := asset.Canonicalize(got)
		if err != nil || string(c) != string(want) {
			return false
		}
	}
	return true
}
