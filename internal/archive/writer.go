// Package archive exports settled trades to S3 as parquet files.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/strategy"
	"tickflow/logger"
)

// Uploader is the S3 call the writer needs.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type tradeRecord struct {
	StrategyID string  `parquet:"name=strategy_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID    string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BetType    string  `parquet:"name=bet_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status     string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Result     int32   `parquet:"name=result, type=INT32"`
	Amount     float64 `parquet:"name=amount, type=DOUBLE"`
	Profit     float64 `parquet:"name=profit, type=DOUBLE"`
	SettledAt  int64   `parquet:"name=settled_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type Stats struct {
	Buffered     int   `json:"buffered"`
	Records      int64 `json:"records_written"`
	FilesWritten int64 `json:"files_written"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// Writer buffers settled trades per strategy and uploads a parquet file when
// a buffer reaches MaxRecords or FlushInterval elapses.
type Writer struct {
	cfg    config.ArchiveConfig
	client Uploader
	log    *logger.Log
	now    func() time.Time

	mu        sync.Mutex
	buffer    map[string][]tradeRecord
	firstSeen map[string]time.Time
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	full      chan string
	catalog   *catalog

	records atomic.Int64
	files   atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
}

// NewWriter builds the S3 client from cfg. Static credentials are used when
// both AWS keys are present in secrets.
func NewWriter(ctx context.Context, cfg config.ArchiveConfig, secrets config.Secrets, log *logger.Log) (*Writer, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	cfg.Bucket = bucket

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if secrets.AWSAccessKeyID != "" && secrets.AWSSecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(secrets.AWSAccessKeyID, secrets.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	w := newWriter(cfg, client, log)
	w.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("trade archive initialized")
	return w, nil
}

func newWriter(cfg config.ArchiveConfig, client Uploader, log *logger.Log) *Writer {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	return &Writer{
		cfg:       cfg,
		client:    client,
		log:       log,
		now:       time.Now,
		buffer:    make(map[string][]tradeRecord),
		firstSeen: make(map[string]time.Time),
		full:      make(chan string, 16),
		catalog:   newCatalog(cfg.Bucket, cfg.Prefix),
	}
}

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("archive").WithFields(logger.Fields{
		"flush_interval": w.cfg.FlushInterval.String(),
		"max_records":    w.cfg.MaxRecords,
	}).Info("starting trade archive")

	w.wg.Add(1)
	go w.flushWorker()
	return nil
}

// Stop terminates the worker and uploads whatever is still buffered.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.flushAll(context.Background(), "stop")
	w.publishMetadata(context.Background())
	w.log.WithComponent("archive").Info("trade archive stopped")
}

// OnTradeEvent buffers settled trades. New entries are ignored.
func (w *Writer) OnTradeEvent(e strategy.Event) {
	var status strategy.TradeStatus
	switch e.Kind {
	case strategy.EventWin:
		status = strategy.Win
	case strategy.EventLoss:
		status = strategy.Loss
	default:
		return
	}
	rec := tradeRecord{
		StrategyID: e.StrategyID,
		TradeID:    e.TradeID,
		BetType:    string(e.BetType),
		Status:     string(status),
		Amount:     e.Amount,
		Profit:     e.Profit,
		SettledAt:  e.Time.UTC().UnixMilli(),
	}
	if e.Result != nil {
		rec.Result = int32(*e.Result)
	}

	w.mu.Lock()
	w.buffer[e.StrategyID] = append(w.buffer[e.StrategyID], rec)
	if _, ok := w.firstSeen[e.StrategyID]; !ok {
		w.firstSeen[e.StrategyID] = w.now()
	}
	full := len(w.buffer[e.StrategyID]) >= w.cfg.MaxRecords
	w.mu.Unlock()

	if full {
		select {
		case w.full <- e.StrategyID:
		default:
		}
	}
}

func (w *Writer) flushWorker() {
	defer w.wg.Done()
	ticker := time.NewTicker(tickerInterval(w.cfg.FlushInterval))
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.full:
			w.flushKey(w.ctx, id)
		case <-ticker.C:
			w.flushTimedOut(w.ctx)
		}
	}
}

func tickerInterval(flush time.Duration) time.Duration {
	if flush < time.Second {
		return flush
	}
	return time.Second
}

func (w *Writer) flushTimedOut(ctx context.Context) {
	now := w.now()
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key, recs := range w.buffer {
		if len(recs) == 0 {
			continue
		}
		if now.Sub(w.firstSeen[key]) >= w.cfg.FlushInterval {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.flushKey(ctx, key)
	}
}

func (w *Writer) flushAll(ctx context.Context, reason string) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.buffer))
	for key, recs := range w.buffer {
		if len(recs) > 0 {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()
	if len(keys) == 0 {
		return
	}

	w.log.WithComponent("archive").WithFields(logger.Fields{
		"flushed_buffers": len(keys),
		"reason":          reason,
	}).Info("flushing trade archive buffers")
	for _, key := range keys {
		w.flushKey(ctx, key)
	}
}

// Flush uploads every buffer now, then the table metadata.
func (w *Writer) Flush(ctx context.Context) {
	w.flushAll(ctx, "manual")
	w.publishMetadata(ctx)
}

func (w *Writer) flushKey(ctx context.Context, key string) {
	w.mu.Lock()
	recs := w.buffer[key]
	if len(recs) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, key)
	delete(w.firstSeen, key)
	w.mu.Unlock()

	log := w.log.WithComponent("archive").WithFields(logger.Fields{"strategy_id": key, "records": len(recs)})
	start := time.Now()

	data, err := w.createParquet(recs)
	if err != nil {
		w.errors.Add(1)
		log.WithError(err).Error("failed to create parquet for trade batch")
		return
	}

	at := w.now()
	objectKey := w.objectKey(key, at)
	if _, err := w.client.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	}); err != nil {
		w.errors.Add(1)
		log.WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("failed to upload trade batch")
		return
	}

	w.catalog.add(DataFile{
		Key:         objectKey,
		Size:        int64(len(data)),
		RecordCount: int64(len(recs)),
		Partition:   map[string]string{"strategy": key, "date": at.UTC().Format("2006-01-02")},
		WrittenAt:   at.UTC(),
	})
	w.records.Add(int64(len(recs)))
	w.files.Add(1)
	w.bytes.Add(int64(len(data)))
	metrics.EmitMetric(w.log, "archive", metrics.ArchiveFlushes, 1, metrics.TypeCounter, nil)
	metrics.EmitMetric(w.log, "archive", metrics.ArchiveRecords, len(recs), metrics.TypeCounter, nil)
	logger.LogPerformanceEntry(log.WithFields(logger.Fields{"s3_key": objectKey, "bytes": len(data)}), "archive", "upload", time.Since(start), nil)
}

func (w *Writer) createParquet(recs []tradeRecord) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(tradeRecord), 1)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(w.cfg.Compression) {
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	default:
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	}

	for _, rec := range recs {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// objectKey is <prefix>/strategy=<id>/date=<yyyy-mm-dd>/trades_<ts>_<uuid8>.parquet.
func (w *Writer) objectKey(strategyID string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("trades_%s_%s.parquet", at.Format("20060102150405"), uuid.NewString()[:8])
	parts := []string{}
	if p := strings.Trim(w.cfg.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts,
		"strategy="+strategyID,
		"date="+at.Format("2006-01-02"),
		name,
	)
	return path.Join(parts...)
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	buffered := 0
	for _, recs := range w.buffer {
		buffered += len(recs)
	}
	w.mu.Unlock()
	return Stats{
		Buffered:     buffered,
		Records:      w.records.Load(),
		FilesWritten: w.files.Load(),
		BytesWritten: w.bytes.Load(),
		Errors:       w.errors.Load(),
	}
}
