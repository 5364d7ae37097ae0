package metrics

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tickflow/logger"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerPut = 1000

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
	region    string
}

var cwState atomic.Pointer[cloudWatchState]

var (
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics
	cloudWatchPublishInterval = time.Minute
)

// Counters are summed and gauges keep their latest value between flushes.
type aggregate struct {
	component string
	name      string
	dims      []cwtypes.Dimension
	unit      cwtypes.StandardUnit
	gauge     bool
	value     float64
	samples   int
}

var (
	pendingMu sync.Mutex
	pending   = make(map[string]*aggregate)
)

func init() {
	cwState.Store(&cloudWatchState{namespace: "TickFlow"})
}

// InitCloudWatch creates the client. When the AWS configuration cannot be
// loaded it logs a warning and publishing stays disabled.
func InitCloudWatch(ctx context.Context, region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := cloudWatchState{namespace: "TickFlow"}
	if current := cwState.Load(); current != nil {
		state = *current
	}
	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	state.region = region
	if cfg.Region != "" {
		state.region = cfg.Region
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")
}

func cloudWatchEnabled() bool {
	state := cwState.Load()
	return state != nil && state.client != nil
}

// EmitMetric logs the metric, hands it to registered handlers and queues it
// for the next CloudWatch flush when publishing is enabled.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	event, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok || !cloudWatchEnabled() {
		return
	}

	numeric, ok := toFloat64(event.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": event.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}
	queueMetric(event, numeric)
}

func queueMetric(metric Metric, value float64) {
	unit := cwtypes.StandardUnitCount
	if raw, ok := metric.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	keys := make([]string, 0, len(metric.Fields))
	for k := range metric.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var key strings.Builder
	key.WriteString(metric.Component)
	key.WriteByte('|')
	key.WriteString(metric.Name)
	for _, k := range keys {
		if k == "unit" {
			continue
		}
		s, ok := metric.Fields[k].(string)
		if !ok || s == "" {
			continue
		}
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		key.WriteByte('|')
		key.WriteString(k + "=" + s)
	}

	pendingMu.Lock()
	defer pendingMu.Unlock()
	agg, ok := pending[key.String()]
	if !ok {
		agg = &aggregate{
			component: metric.Component,
			name:      metric.Name,
			dims:      dims,
			unit:      unit,
			gauge:     metric.Type == TypeGauge,
		}
		pending[key.String()] = agg
	}
	if agg.gauge {
		agg.value = value
	} else {
		agg.value += value
	}
	agg.samples++
}

// RunCloudWatch flushes queued metrics every publish interval until ctx is
// done, then flushes once more.
func RunCloudWatch(ctx context.Context) {
	ticker := time.NewTicker(cloudWatchPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			FlushCloudWatch(flushCtx)
			cancel()
			return
		case <-ticker.C:
			FlushCloudWatch(ctx)
		}
	}
}

// FlushCloudWatch publishes everything queued since the previous flush.
func FlushCloudWatch(ctx context.Context) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	pendingMu.Lock()
	batch := pending
	pending = make(map[string]*aggregate)
	pendingMu.Unlock()
	if len(batch) == 0 {
		return
	}

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := timeNow()
	data := make([]cwtypes.MetricDatum, 0, len(batch))
	for _, k := range keys {
		agg := batch[k]
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(agg.name),
			Dimensions: agg.dims,
			Unit:       agg.unit,
			Value:      aws.Float64(agg.value),
			Timestamp:  aws.Time(now),
		})
	}
	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := start + maxDatumsPerPut
		if end > len(data) {
			end = len(data)
		}
		publishMetricsFunc(ctx, state, data[start:end])
	}
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"datums": len(data)}).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "none":
		return cwtypes.StandardUnitNone, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
