package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang/glog"
)

const (
	contentType            = "application/json"
	CollectEndpoint        = "groundhog/v1/collect"
	defaultSendRecordCount = 100
)

// CollectResponse is what the server answers to a batch of records.
type CollectResponse struct {
	Status      string `json:"status"`
	RecordCount int    `json:"recordCount"`
}

// Remote sends records in batches to a groundhog server.
type Remote struct {
	Server          string
	SendRecordCount int
	Client          *http.Client
}

func (r *Remote) Write(ctx context.Context, records <-chan Record) error {
	batch := defaultSendRecordCount
	if r.SendRecordCount > 0 {
		batch = r.SendRecordCount
	}

	var toSend []Record
	for rec := range records {
		toSend = append(toSend, rec)
		if len(toSend) < batch {
			continue // we haven't collected enough records to send yet
		}
		if err := r.send(ctx, toSend); err != nil {
			glog.Warningf("error sending %d records: %s", len(toSend), err)
		}
		toSend = nil
	}
	if len(toSend) > 0 {
		if err := r.send(ctx, toSend); err != nil {
			glog.Warningf("error sending the last %d records: %s", len(toSend), err)
		}
	}
	return nil
}

func (r *Remote) send(ctx context.Context, records []Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("unable to marshal records: %w", err)
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(r.Server, "/"), CollectEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unable to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	var cr CollectResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return fmt.Errorf("unable to parse response: %w", err)
	}
	glog.Infof("submitted %d records to server %s", cr.RecordCount, r.Server)
	return nil
}
