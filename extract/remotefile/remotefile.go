// Package remotefile extracts datasets from CSV or JSON files fetched with
// go-getter.
//
// Descriptor:
//
//	{"source": "https://example.com/exports/sales.csv", "format": "csv", "kind": "table"}
//
// format defaults to the file extension. JSON files accept "rows_path" like httpjson.
package remotefile

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-getter"

	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/extract"
	"github.com/teranos/cachet/internal/httpclient"
)

// Origin is the origin name this backend registers under
const Origin = "remotefile"

// MaxFileBytes caps a downloaded file
const MaxFileBytes = 256 << 20

// Formats
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Descriptor is the file a remotefile cache key stands for
type Descriptor struct {
	Source   string `json:"source"`
	Format   string `json:"format,omitempty"`
	RowsPath string `json:"rows_path,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Options controls which sources are allowed
type Options struct {
	// AllowLocal permits file:// and plain paths. Off for user-facing deployments.
	AllowLocal bool
	// TempDir receives downloads; empty uses the OS default
	TempDir string
}

// Backend downloads files with go-getter
type Backend struct {
	http *httpclient.SaferClient
	opts Options
}

// New creates a backend; client is used for http and https sources
func New(client *httpclient.SaferClient, opts Options) *Backend {
	return &Backend{http: client, opts: opts}
}

// RegisterDefaults registers the backend for every kind of the remotefile origin.
// Only http(s) sources are allowed.
func RegisterDefaults(r *extract.Registry) {
	r.Register(extract.Tag{Origin: Origin}, func(env extract.Env) (extract.Backend, error) {
		if env.HTTP == nil {
			return nil, errors.New("remotefile backend needs an HTTP client")
		}
		return New(env.HTTP, Options{}), nil
	})
}

// Fetch implements extract.Backend
func (b *Backend) Fetch(ctx context.Context, req extract.Request) (*extract.Dataset, error) {
	var desc Descriptor
	if err := sonic.Unmarshal(req.Descriptor, &desc); err != nil {
		return nil, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "invalid remotefile descriptor")
	}
	if desc.Source == "" {
		return nil, errors.NewInvalidRequestError("remotefile descriptor needs a source")
	}

	src, err := b.detect(desc.Source)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(desc.Format)
	if format == "" {
		format = formatFromSource(src)
	}
	if format != FormatCSV && format != FormatJSON {
		return nil, errors.NewInvalidRequestError("unsupported format %q (want csv or json)", format)
	}

	data, err := b.download(ctx, src)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	var columns []string
	switch format {
	case FormatCSV:
		columns, rows, err = parseCSV(data)
	case FormatJSON:
		rows, err = extract.RowsFromJSON(data, desc.RowsPath)
		columns = extract.ColumnsOf(rows)
	}
	if err != nil {
		return nil, err
	}

	kind := req.Kind
	if kind == "" {
		kind = extract.InferKind(rows)
	}
	return &extract.Dataset{Kind: kind, Columns: columns, Rows: rows}, nil
}

// detect normalizes source with go-getter's detectors and enforces the
// allowed schemes
func (b *Backend) detect(source string) (string, error) {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}
	detected, err := getter.Detect(source, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "unrecognized source")
	}

	// Forced getters look like "git::https://..."; only plain URLs are accepted
	if strings.Contains(detected, "::") {
		return "", errors.NewInvalidRequestError("source %q needs a getter that is not enabled", source)
	}
	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "unparseable source")
	}
	switch u.Scheme {
	case "http", "https":
		if _, err := b.http.ValidateURL(detected); err != nil {
			return "", errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "source blocked")
		}
	case "file":
		if !b.opts.AllowLocal {
			return "", errors.NewInvalidRequestError("local files are not allowed as sources")
		}
	default:
		return "", errors.NewInvalidRequestError("source scheme %q is not allowed", u.Scheme)
	}
	return detected, nil
}

func (b *Backend) download(ctx context.Context, src string) ([]byte, error) {
	dir, err := os.MkdirTemp(b.opts.TempDir, "cachet-remotefile-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create download directory")
	}
	defer os.RemoveAll(dir)
	dst := filepath.Join(dir, "download")

	httpGetter := &getter.HttpGetter{
		Client:                b.http.Client,
		MaxBytes:              MaxFileBytes,
		XTerraformGetDisabled: true,
	}
	getters := map[string]getter.Getter{
		"http":  httpGetter,
		"https": httpGetter,
	}
	if b.opts.AllowLocal {
		getters["file"] = &getter.FileGetter{Copy: true}
	}

	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Mode:    getter.ClientModeFile,
		Getters: getters,
		// Archives are not unpacked
		Decompressors: map[string]getter.Decompressor{},
	}
	if err := client.Get(); err != nil {
		return nil, errors.Wrap(err, "download failed")
	}

	f, err := os.Open(dst)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open download")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read download")
	}
	if len(data) > MaxFileBytes {
		return nil, errors.Newf("file exceeds %d bytes", MaxFileBytes)
	}
	return data, nil
}

func formatFromSource(src string) string {
	p := src
	if u, err := url.Parse(src); err == nil {
		p = u.Path
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
}

// parseCSV reads a header row and typed records. Cells that parse as numbers
// become json.Number so filters compare them numerically.
func parseCSV(data []byte) ([]string, []map[string]interface{}, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, []map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse csv header")
	}

	rows := []map[string]interface{}{}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to parse csv")
		}
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = csvValue(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func csvValue(s string) interface{} {
	if s == "" {
		return nil
	}
	// ParseFloat alone also admits NaN, Inf and hex floats
	if _, err := strconv.ParseFloat(s, 64); err == nil && json.Valid([]byte(s)) {
		return json.Number(s)
	}
	return s
}
