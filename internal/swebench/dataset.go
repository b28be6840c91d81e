package swebench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"sudodev/internal/logging"
)

const pageSize = 100

// Dataset is a HuggingFace dataset split served by the datasets-server API
// and cached locally as JSONL.
type Dataset struct {
	Name     string
	Split    string
	Endpoint string
	CacheDir string

	HTTPClient *http.Client
}

// CachePath returns where the split is cached.
func (d *Dataset) CachePath() string {
	name := strings.ReplaceAll(d.Name, "/", "__")
	return filepath.Join(d.CacheDir, fmt.Sprintf("%s__%s.jsonl", name, d.Split))
}

func (d *Dataset) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Instances returns the cached split, fetching it on first use.
func (d *Dataset) Instances(ctx context.Context) ([]*Instance, error) {
	instances, err := LoadInstances(d.CachePath())
	if err == nil && len(instances) > 0 {
		logging.DatasetDebug("Loaded %d instances from cache %s", len(instances), d.CachePath())
		return instances, nil
	}
	return d.Fetch(ctx)
}

// Find returns one instance by id.
func (d *Dataset) Find(ctx context.Context, id string) (*Instance, error) {
	instances, err := d.Instances(ctx)
	if err != nil {
		return nil, err
	}
	return FindInstance(instances, id)
}

// Fetch downloads every row of the split and refreshes the cache.
func (d *Dataset) Fetch(ctx context.Context) ([]*Instance, error) {
	timer := logging.StartTimer(logging.CategoryDataset, "dataset fetch")
	defer timer.Stop()

	var instances []*Instance
	for offset := 0; ; offset += pageSize {
		page, total, err := d.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}
		instances = append(instances, page...)
		logging.DatasetDebug("Fetched rows %d-%d of %d", offset, offset+len(page), total)

		if len(page) == 0 || len(instances) >= total {
			break
		}
	}

	if err := WriteInstances(d.CachePath(), instances); err != nil {
		return nil, err
	}
	logging.Dataset("Cached %d instances of %s/%s at %s", len(instances), d.Name, d.Split, d.CachePath())
	return instances, nil
}

func (d *Dataset) fetchPage(ctx context.Context, offset int) ([]*Instance, int, error) {
	q := url.Values{}
	q.Set("dataset", d.Name)
	q.Set("config", "default")
	q.Set("split", d.Split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(pageSize))
	endpoint := strings.TrimRight(d.Endpoint, "/") + "/rows?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("dataset request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read dataset response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = string(body)
		}
		return nil, 0, fmt.Errorf("dataset server returned %d: %s", resp.StatusCode, msg)
	}

	total := int(gjson.GetBytes(body, "num_rows_total").Int())
	rows := gjson.GetBytes(body, "rows.#.row").Array()

	instances := make([]*Instance, 0, len(rows))
	for i, row := range rows {
		var inst Instance
		if err := json.Unmarshal([]byte(row.Raw), &inst); err != nil {
			return nil, 0, fmt.Errorf("failed to decode row %d: %w", offset+i, err)
		}
		instances = append(instances, &inst)
	}
	return instances, total, nil
}
