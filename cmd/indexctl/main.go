package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/yashagw/craneidx/internal/catalog"
	"github.com/yashagw/craneidx/internal/index"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/logger"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

const (
	DefaultDir        = "./craneidx_data"
	DefaultCompressor = "snappy"
	DemoNamespace     = "demo.users"
	DemoUsers         = 1000
)

type Tool struct {
	dir     string
	store   *kv.Store
	catalog *catalog.Catalog
	sess    *kv.Session
	logger  *logger.Logger
}

type IndexInfo struct {
	Namespace string    `json:"ns"`
	Name      string    `json:"name"`
	Key       value.Key `json:"key"`
	Unique    bool      `json:"unique"`
	URI       string    `json:"uri"`
}

type Response struct {
	Type    string                            `json:"type"`
	Indexes []IndexInfo                       `json:"indexes,omitempty"`
	Results map[string]*index.ValidateResults `json:"results,omitempty"`
	Stats   map[string]any                    `json:"stats,omitempty"`
	Error   string                            `json:"error,omitempty"`
}

func NewTool(ctx context.Context, dir, compressor string, log *logger.Logger) (*Tool, error) {
	store, err := kv.Open(ctx, dir, kv.WithLogger(log), kv.WithJournal())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cat := catalog.New(store, catalog.WithLogger(log), catalog.WithBlockCompressor(compressor))
	sess := store.NewSession()
	n, err := cat.Rediscover(sess)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to load indexes: %w", err)
	}
	log.Debug("opened store", "dir", dir, "indexes", n)

	return &Tool{
		dir:     dir,
		store:   store,
		catalog: cat,
		sess:    sess,
		logger:  log,
	}, nil
}

func (t *Tool) Close() error {
	t.sess.Close()
	return t.store.Close()
}

// demo creates a users collection with three indexes, fills them and
// checkpoints the store.
func (t *Tool) demo(ctx context.Context) Response {
	descs := []*catalog.Descriptor{
		{Namespace: DemoNamespace, Name: "email_1", Unique: true,
			KeyPattern: value.Key{{Name: "email", Value: value.Int(1)}}},
		{Namespace: DemoNamespace, Name: "age_1",
			KeyPattern: value.Key{{Name: "age", Value: value.Int(1)}}},
		{Namespace: DemoNamespace, Name: "name_1_age_-1",
			KeyPattern: value.Key{{Name: "name", Value: value.Int(1)}, {Name: "age", Value: value.Int(-1)}}},
	}
	names := []string{"ada", "grace", "linus", "ken", "barbara", "edsger"}

	entries := make(map[string][]catalog.Entry)
	for i := 0; i < DemoUsers; i++ {
		rid := record.NewRID(int64(i + 1))
		age := value.Int(int64(18 + (i*7)%60))
		name := value.String(names[i%len(names)])
		entries["email_1"] = append(entries["email_1"], catalog.Entry{
			Key: value.NewKey(value.String(fmt.Sprintf("%s%04d@example.com", names[i%len(names)], i))), RID: rid})
		entries["age_1"] = append(entries["age_1"], catalog.Entry{Key: value.NewKey(age), RID: rid})
		entries["name_1_age_-1"] = append(entries["name_1_age_-1"], catalog.Entry{Key: value.NewKey(name, age), RID: rid})
	}

	for _, d := range descs {
		if _, err := t.catalog.CreateIndex(t.sess, d, ""); err != nil {
			return errorResponse(err)
		}
		if err := t.catalog.BuildIndex(t.sess, d.Namespace, d.Name, entries[d.Name]); err != nil {
			return errorResponse(err)
		}
	}
	if err := t.store.Checkpoint(ctx, t.dir); err != nil {
		return errorResponse(err)
	}
	return t.list()
}

func (t *Tool) list() Response {
	var out []IndexInfo
	for _, d := range t.catalog.List() {
		idx, err := t.catalog.Index(d.Namespace, d.Name)
		if err != nil {
			return errorResponse(err)
		}
		out = append(out, IndexInfo{
			Namespace: d.Namespace,
			Name:      d.Name,
			Key:       d.KeyPattern,
			Unique:    d.Unique,
			URI:       idx.URI(),
		})
	}
	return Response{Type: "list", Indexes: out}
}

func (t *Tool) validate(ctx context.Context, full bool) Response {
	// Our session must not hold cursors on the tables being verified.
	t.sess.CloseCachedCursors()
	results, err := t.catalog.ValidateAll(ctx, full)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Type: "validate", Results: results}
}

func (t *Tool) stats(ns, name string) Response {
	st, err := t.catalog.Stats(t.sess, ns, name)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Type: "stats", Stats: st}
}

func (t *Tool) drop(ctx context.Context, ns, name string) Response {
	t.sess.CloseCachedCursors()
	if err := t.catalog.DropIndex(ns, name); err != nil {
		return errorResponse(err)
	}
	if err := t.store.Checkpoint(ctx, t.dir); err != nil {
		return errorResponse(err)
	}
	return t.list()
}

func errorResponse(err error) Response {
	return Response{Type: "error", Error: err.Error()}
}

func printResponse(resp Response) {
	if resp.Error != "" {
		fmt.Printf("Error: %s\n", resp.Error)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch resp.Type {
	case "list":
		fmt.Fprintln(w, "NS\tNAME\tKEY\tUNIQUE\tURI")
		for _, ix := range resp.Indexes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", ix.Namespace, ix.Name, ix.Key, ix.Unique, ix.URI)
		}
		fmt.Fprintf(w, "\n(%d index(es))\n", len(resp.Indexes))
	case "validate":
		names := make([]string, 0, len(resp.Results))
		for name := range resp.Results {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "INDEX\tVALID\tKEYS\tNOTES")
		for _, name := range names {
			r := resp.Results[name]
			notes := strings.Join(append(append([]string{}, r.Errors...), r.Warnings...), "; ")
			fmt.Fprintf(w, "%s\t%v\t%d\t%s\n", name, r.Valid, r.NumKeys, notes)
		}
	case "stats":
		data, err := json.MarshalIndent(resp.Stats, "", "  ")
		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(data))
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: indexctl [flags] <command> [args]

Commands:
  demo                 create and checkpoint a demo collection with indexes
  list                 list indexes
  validate             validate every index (-full for a full scan)
  stats <ns> <name>    show index statistics
  drop <ns> <name>     drop an index

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	dir := os.Getenv("CRANEIDX_DIR")
	if dir == "" {
		dir = DefaultDir
	}

	flag.StringVar(&dir, "dir", dir, "store directory (env CRANEIDX_DIR)")
	full := flag.Bool("full", false, "validate: check key order and record ids")
	asJSON := flag.Bool("json", false, "print JSON instead of tables")
	compressor := flag.String("compressor", DefaultCompressor, "block compressor for new indexes: none, snappy, zstd, lz4")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.NewText(os.Stderr, level)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	tool, err := NewTool(ctx, dir, *compressor, log)
	if err != nil {
		exit(log, err)
	}
	defer tool.Close()

	var resp Response
	switch cmd := args[0]; {
	case cmd == "demo":
		resp = tool.demo(ctx)
	case cmd == "list":
		resp = tool.list()
	case cmd == "validate":
		resp = tool.validate(ctx, *full)
	case (cmd == "stats" || cmd == "drop") && len(args) == 3:
		if cmd == "stats" {
			resp = tool.stats(args[1], args[2])
		} else {
			resp = tool.drop(ctx, args[1], args[2])
		}
	default:
		usage()
		os.Exit(2)
	}

	if *asJSON {
		data, err := json.Marshal(resp)
		if err != nil {
			data, _ = json.Marshal(errorResponse(fmt.Errorf("failed to serialize response: %w", err)))
		}
		fmt.Println(string(data))
	} else {
		printResponse(resp)
	}
	if resp.Error != "" {
		tool.Close()
		os.Exit(1)
	}
}

// exit stops the process. Fatal index errors mean the data on disk cannot
// be trusted and get their own exit code.
func exit(log *logger.Logger, err error) {
	var fe *index.FatalError
	if errors.As(err, &fe) {
		log.Error("fatal index error", "code", fe.Code, "err", err)
		os.Exit(3)
	}
	log.Error("indexctl failed", "err", err)
	os.Exit(1)
}
