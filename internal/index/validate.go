package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/value"
)

// ValidateResults is the outcome of FullValidate.
type ValidateResults struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	NumKeys  int64    `json:"numKeys"`

	// Filled in by a full validation only.
	DistinctRecords uint64 `json:"distinctRecords,omitempty"`
}

// FullValidate verifies the index table and counts its entries. A busy
// table is reported as a warning and still counted; any other verify
// failure means structural damage and entries are not examined. With full
// set the scan also checks key order and record id uniqueness.
func (idx *Index) FullValidate(sess *kv.Session, full bool) (*ValidateResults, error) {
	res := &ValidateResults{}

	// Our own cached cursors would make verify report busy.
	sess.CloseCachedCursors()
	problems, err := sess.Store().Verify(idx.uri)
	switch {
	case errors.Is(err, kv.ErrBusy):
		msg := "verify() returned EBUSY. Not treating as invalid."
		idx.logger.Warn(msg)
		res.Errors = append(res.Errors, problems...)
		res.Warnings = append(res.Warnings, msg)
	case err != nil:
		msg := fmt.Sprintf("verify() returned %v. This indicates structural damage. Not examining individual index entries.", err)
		idx.logger.Error(msg)
		res.Errors = append(res.Errors, problems...)
		res.Errors = append(res.Errors, msg)
		res.Valid = false
		return res, nil
	}
	res.Valid = true

	cur, err := idx.NewCursor(sess, true)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	parts := JustExistence
	if full {
		parts = KeyAndRID
	}
	var (
		rids    *roaring64.Bitmap
		prevKey value.Key
	)
	if full {
		rids = roaring64.New()
	}

	e, err := cur.Seek(value.Key{}, true, parts)
	for ; err == nil && e != nil; e, err = cur.Next(parts) {
		res.NumKeys++
		if !full {
			continue
		}
		if prevKey != nil && prevKey.Compare(e.Key, idx.ordering.IsDescending) > 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("key %s sorts before preceding key %s", e.Key, prevKey))
			res.Valid = false
		}
		prevKey = e.Key
		if !e.RID.IsNormal() {
			res.Errors = append(res.Errors, fmt.Sprintf("key %s has invalid record id %s", e.Key, e.RID))
			res.Valid = false
			continue
		}
		id := uint64(e.RID.Repr())
		if rids.Contains(id) && idx.unique {
			res.Errors = append(res.Errors, fmt.Sprintf("record id %s appears under more than one key", e.RID))
			res.Valid = false
		}
		rids.Add(id)
	}
	if err != nil {
		return nil, err
	}
	if full {
		res.DistinctRecords = rids.GetCardinality()
	}
	return res, nil
}

// AppendCustomStats adds the index's metadata, creation string and store
// statistics to out. Failures to fetch a part are recorded in its place.
func (idx *Index) AppendCustomStats(sess *kv.Session, out map[string]any) bool {
	store := sess.Store()

	metadata := make(map[string]any)
	if raw, err := store.AppMetadata(idx.uri); err != nil {
		metadata["error"] = "unable to retrieve metadata"
		metadata["code"] = statusCode(err)
		metadata["reason"] = err.Error()
	} else if err := appendAppMetadata(metadata, raw); err != nil {
		metadata["error"] = "unable to retrieve metadata"
		metadata["code"] = statusCode(err)
		metadata["reason"] = err.Error()
	}
	out["metadata"] = metadata

	if creation, err := store.CreationString(idx.uri); err != nil {
		out["creationString"] = map[string]any{
			"error":  "unable to retrieve creation config",
			"code":   statusCode(err),
			"reason": err.Error(),
		}
	} else {
		out["creationString"] = creation
		typ, _ := store.TableType(idx.uri)
		out["type"] = typ
	}

	if stats, err := store.Stats(idx.uri); err != nil {
		out["error"] = "unable to retrieve statistics"
		out["code"] = statusCode(err)
		out["reason"] = err.Error()
	} else {
		out["statistics"] = stats
	}
	return true
}

// appendAppMetadata decodes an app_metadata group. Integers and JSON
// objects are kept typed; anything else stays a string.
func appendAppMetadata(out map[string]any, raw string) error {
	items, err := kv.ParseConfigItems(raw)
	if err != nil {
		return err
	}
	for _, it := range items {
		if n, err := strconv.ParseInt(it.Value, 10, 64); err == nil {
			out[it.Key] = n
			continue
		}
		var obj map[string]any
		if json.Unmarshal([]byte(it.Value), &obj) == nil {
			out[it.Key] = obj
			continue
		}
		out[it.Key] = it.Value
	}
	return nil
}
