package remotewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/klauspost/compress/snappy"
	"github.com/prometheus/prometheus/prompb"
	log "github.com/sirupsen/logrus"
)

// ErrNotMetric marks a topic that does not carry a single metric value,
// such as alerts or analysis documents.
var ErrNotMetric = errors.New("not a metric topic")

// Publisher pushes per-cycle sample metrics to a Prometheus remote_write
// endpoint. The metrics of one acquisition cycle share a timestamp, so a
// metric with a new timestamp closes the previous batch.
type Publisher struct {
	config     *Configuration
	httpClient *http.Client
	deviceID   string

	mu           sync.Mutex
	batch        []metricData
	batchTS      int64
	lastFlush    time.Time
	batchTimeout time.Duration
	retryDelay   time.Duration
}

type metricData struct {
	metricName string
	labels     map[string]string
	value      float64
	timestamp  int64
}

// MetricPayload is the JSON published for each metric.
type MetricPayload struct {
	Value     interface{} `json:"value"`
	Unit      string      `json:"unit"`
	Timestamp int64       `json:"timestamp"`
}

func NewPublisher(config *Configuration, deviceID string) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote_write configuration: %w", err)
	}

	if !config.Enabled {
		log.Info("remote write publisher disabled via configuration")
		return &Publisher{}, nil
	}

	p := &Publisher{
		config:       config,
		httpClient:   &http.Client{Timeout: config.GetTimeout()},
		deviceID:     deviceID,
		batch:        make([]metricData, 0, 32),
		batchTimeout: 30 * time.Second,
		retryDelay:   time.Second,
		lastFlush:    time.Now(),
	}

	log.WithFields(log.Fields{
		"url":      config.URL,
		"timeout":  config.GetTimeout(),
		"maxBatch": config.GetMaxBatch(),
		"deviceID": deviceID,
	}).Info("remote write publisher initialized")

	return p, nil
}

func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.httpClient == nil {
		return
	}

	metric, err := parseMetric(topicSuffix, payload)
	if errors.Is(err, ErrNotMetric) {
		log.Tracef("remote write skipping %s", topicSuffix)
		return
	}
	if err != nil {
		log.WithError(err).WithField("topicSuffix", topicSuffix).Warn("failed to parse metric for remote write")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.batch) > 0 && metric.timestamp != p.batchTS {
		p.flush()
	}
	p.batch = append(p.batch, metric)
	p.batchTS = metric.timestamp

	if len(p.batch) >= p.config.GetMaxBatch() || time.Since(p.lastFlush) > p.batchTimeout {
		p.flush()
	}
}

// parseMetric turns {deviceId}/{source}/{metric-name} and its JSON payload
// into one sample named {source}_{metric_name}.
func parseMetric(topicSuffix, payload string) (metricData, error) {
	parts := strings.Split(topicSuffix, "/")
	if len(parts) != 3 {
		return metricData{}, fmt.Errorf("%w: %s", ErrNotMetric, topicSuffix)
	}
	deviceID, source, name := parts[0], parts[1], parts[2]

	var mp MetricPayload
	if err := json.Unmarshal([]byte(payload), &mp); err != nil {
		return metricData{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	value, err := toFloat64(mp.Value)
	if err != nil {
		return metricData{}, fmt.Errorf("failed to convert value to float64: %w", err)
	}

	labels := map[string]string{
		"device_id": deviceID,
		"source":    source,
	}
	if mp.Unit != "" {
		labels["unit"] = mp.Unit
	}

	return metricData{
		metricName: fmt.Sprintf("%s_%s", source, strings.ReplaceAll(name, "-", "_")),
		labels:     labels,
		value:      value,
		timestamp:  mp.Timestamp,
	}, nil
}

// flush must be called with p.mu held. The batch is dropped after the
// last attempt.
func (p *Publisher) flush() {
	if len(p.batch) == 0 {
		return
	}
	count := len(p.batch)

	req := &prompb.WriteRequest{Timeseries: toTimeSeries(p.batch)}
	p.batch = p.batch[:0]
	p.lastFlush = time.Now()

	data, err := req.Marshal()
	if err != nil {
		log.WithError(err).Error("failed to marshal remote write request")
		return
	}
	compressed := snappy.Encode(nil, data)

	err = retry.Do(
		func() error { return p.send(compressed) },
		retry.Attempts(p.config.GetRetryAttempts()),
		retry.Delay(p.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("remote write attempt %d failed: %s", n+1, err)
		}),
	)
	if err != nil {
		log.WithError(err).WithField("metricsCount", count).Error("failed to send remote write request")
		return
	}
	log.WithField("metricsCount", count).Debug("sent remote write batch")
}

// toTimeSeries groups samples by series. Labels are sorted by name, as
// remote write receivers require.
func toTimeSeries(metrics []metricData) []prompb.TimeSeries {
	index := make(map[string]int)
	var out []prompb.TimeSeries

	for _, m := range metrics {
		labels := make([]prompb.Label, 0, len(m.labels)+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: m.metricName})
		for k, v := range m.labels {
			labels = append(labels, prompb.Label{Name: k, Value: v})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		key := seriesKey(labels)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, prompb.TimeSeries{Labels: labels})
		}
		out[i].Samples = append(out[i].Samples, prompb.Sample{
			Value:     m.value,
			Timestamp: m.timestamp * 1000,
		})
	}
	return out
}

func seriesKey(labels []prompb.Label) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
		b.WriteByte(',')
	}
	return b.String()
}

// send posts one compressed batch. Client errors are not retried.
func (p *Publisher) send(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.GetTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create HTTP request: %w", err))
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	req.Header.Set("User-Agent", "inverter-monitor/1.0")

	if p.config.BasicAuth != nil {
		req.SetBasicAuth(p.config.BasicAuth.Username, p.config.BasicAuth.Password)
	} else if p.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.BearerToken)
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("remote write failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}

// Close flushes the pending batch.
func (p *Publisher) Close() {
	if p.httpClient == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.batch) > 0 {
		log.WithField("metricsCount", len(p.batch)).Info("flushing remaining metrics on close")
		p.flush()
	}
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported value type: %T", value)
	}
}
