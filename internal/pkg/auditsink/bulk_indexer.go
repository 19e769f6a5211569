package auditsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/logger"
	"karmaguard/internal/pkg/metrics"
	"karmaguard/internal/pkg/models"
)

// Buffers verdicts until a threshold is reached or a flush interval elapses,
// then sends them to Elasticsearch as one bulk request.
type BulkIndexer struct {
	mutex        sync.Mutex
	buffer       []models.Verdict
	threshold    int
	flushChannel chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup

	client        *elasticsearch.Client
	indexName     string
	flushInterval time.Duration
	maxRetries    int
}

func NewBulkIndexer(elasticURL, indexName string, threshold int, flushInterval time.Duration, maxRetries int) (*BulkIndexer, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{elasticURL},
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if threshold <= 0 {
		threshold = 1
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}

	indexer := &BulkIndexer{
		buffer:        make([]models.Verdict, 0, threshold),
		threshold:     threshold,
		flushChannel:  make(chan struct{}, 1),
		done:          make(chan struct{}),
		client:        client,
		indexName:     indexName,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
	}
	indexer.wg.Add(1)
	go indexer.startFlushing()
	return indexer, nil
}

// Flushes when signaled or when the interval elapses.
func (indexer *BulkIndexer) startFlushing() {
	defer indexer.wg.Done()
	ticker := time.NewTicker(indexer.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-indexer.flushChannel:
			indexer.flush()
		case <-ticker.C:
			indexer.flush()
		case <-indexer.done:
			return
		}
	}
}

// Adds a verdict to the buffer and signals a flush once the threshold is met.
func (indexer *BulkIndexer) Record(v models.Verdict) {
	indexer.mutex.Lock()
	defer indexer.mutex.Unlock()

	indexer.buffer = append(indexer.buffer, v)
	if len(indexer.buffer) >= indexer.threshold {
		select {
		case indexer.flushChannel <- struct{}{}:
		default:
			// flush already signaled
		}
	}
}

// Stops the flush loop and sends whatever is still buffered.
func (indexer *BulkIndexer) Close() error {
	close(indexer.done)
	indexer.wg.Wait()
	indexer.flush()
	return nil
}

func (indexer *BulkIndexer) flush() {
	indexer.mutex.Lock()
	if len(indexer.buffer) == 0 {
		indexer.mutex.Unlock()
		return
	}
	batch := indexer.buffer
	indexer.buffer = make([]models.Verdict, 0, indexer.threshold)
	indexer.mutex.Unlock()

	payload, count := buildPayload(batch)
	if count == 0 {
		return
	}
	logger.Log.Debug("Flushing verdicts to Elasticsearch", zap.Int("count", count))
	indexer.sendWithRetry(payload, count)
}

// NDJSON bulk body; verdict ids double as document ids so a retried batch
// overwrites rather than duplicates.
func buildPayload(batch []models.Verdict) ([]byte, int) {
	var payload bytes.Buffer
	count := 0
	for _, v := range batch {
		meta := map[string]map[string]string{
			"index": {"_id": v.ID},
		}
		metaLine, err := json.Marshal(meta)
		if err != nil {
			logger.Log.Error("Failed to marshal meta line", zap.Error(err))
			continue
		}
		docLine, err := json.Marshal(v)
		if err != nil {
			logger.Log.Error("Failed to marshal verdict", zap.Error(err))
			continue
		}
		payload.Write(metaLine)
		payload.WriteByte('\n')
		payload.Write(docLine)
		payload.WriteByte('\n')
		count++
	}
	return payload.Bytes(), count
}

func (indexer *BulkIndexer) sendWithRetry(payload []byte, count int) {
	var lastErr error
	for attempt := 0; attempt <= indexer.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		if lastErr = indexer.sendBulkRequest(payload); lastErr == nil {
			metrics.AuditDocumentsIndexed.Add(float64(count))
			return
		}
		logger.Log.Warn("Bulk indexing attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	metrics.AuditBulkFailures.Inc()
	logger.Log.Error("Dropping verdict batch after retries",
		zap.Int("count", count),
		zap.Error(lastErr))
}

func (indexer *BulkIndexer) sendBulkRequest(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := indexer.client.Bulk(bytes.NewReader(payload),
		indexer.client.Bulk.WithContext(ctx),
		indexer.client.Bulk.WithIndex(indexer.indexName))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("bulk request returned status %d: %s", res.StatusCode, body)
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if result.Errors {
		return fmt.Errorf("bulk response reported item errors")
	}
	return nil
}
