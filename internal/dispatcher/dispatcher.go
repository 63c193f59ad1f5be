package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/navigator/internal/domain"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/queue"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/telemetry"
)

const (
	defaultFanOut      = 8
	defaultConcurrency = 4
)

// ErrEnqueue — не удалось поставить часть job события.
var ErrEnqueue = errors.New("dispatch enqueue failed")

// FlowFinder — поиск flows по trigger-выражениям.
type FlowFinder interface {
	ListActiveByTriggers(ctx context.Context, accountID uuid.UUID, triggers []string) ([]domain.Flow, error)
}

// NodeFinder — поиск node, ждущих trigger-выражения.
type NodeFinder interface {
	ListWaitingFor(ctx context.Context, triggerWait string) ([]domain.Node, error)
}

// Registrar — регистрация обработчиков job (queue.Worker).
type Registrar interface {
	Handle(queue queue.Name, name string, h queue.Handler)
	SetConcurrency(queue queue.Name, n int)
}

var (
	_ FlowFinder = (*repo.FlowRepo)(nil)
	_ NodeFinder = (*repo.NodeRepo)(nil)
	_ Registrar  = (*queue.Worker)(nil)
)

// Event — внешнее событие.
type Event struct {
	AccountID uuid.UUID
	UserID    string
	EventID   string
	Data      map[string]any
}

// Result — сколько job поставлено для события.
type Result struct {
	Runs    int // новые create-run
	Resumed int // process-trigger для ждущих node
}

// Config — конфигурация Dispatcher.
type Config struct {
	Flows FlowFinder
	Nodes NodeFinder
	Queue queue.Enqueuer

	// FanOut — сколько job ставится параллельно (default: 8).
	FanOut int

	// Concurrency — параллельная обработка process-event (default: 4).
	Concurrency int

	Logger *slog.Logger
}

// Dispatcher — маршрутизатор событий.
type Dispatcher struct {
	flows       FlowFinder
	nodes       NodeFinder
	queue       queue.Enqueuer
	fanOut      int
	concurrency int
	logger      *slog.Logger
}

// New создаёт Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Flows == nil || cfg.Nodes == nil {
		return nil, fmt.Errorf("dispatcher: stores are required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("dispatcher: queue is required")
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		flows:       cfg.Flows,
		nodes:       cfg.Nodes,
		queue:       cfg.Queue,
		fanOut:      cfg.FanOut,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}, nil
}

// RegisterHandlers регистрирует обработчик integrations:process-event.
func (d *Dispatcher) RegisterHandlers(r Registrar) {
	r.Handle(jobs.QueueProcessEvent, jobs.NameProcessEvent, d.handleProcessEvent)
	r.SetConcurrency(jobs.QueueProcessEvent, d.concurrency)
}

func (d *Dispatcher) handleProcessEvent(ctx context.Context, job *queue.Job) error {
	var p jobs.ProcessEvent
	if err := jobs.Decode(job, &p); err != nil {
		d.logger.Warn("invalid process-event payload", "job_id", job.ID, "error", err)
		return queue.Permanent(err)
	}

	_, err := d.ProcessEvent(ctx, Event{
		AccountID: p.AccountID,
		UserID:    p.UserID,
		EventID:   p.EventID,
		Data:      p.EventData,
	})
	return err
}

// ProcessEvent находит получателей события и ставит для них job.
//
// Порядок постановки между flows и node не определён. Ошибка постановки
// любого job возвращается после попытки поставить остальные; повтор
// события безопасен, так как все JobID детерминированы.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev Event) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatcher.ProcessEvent",
		attribute.String("navigator.event_id", ev.EventID),
		attribute.String("navigator.account_id", ev.AccountID.String()),
	)
	defer span.End()

	logger := d.logger.With("event_id", ev.EventID, "account_id", ev.AccountID)

	once := domain.EventOnce(ev.EventID)
	every := domain.EventEvery(ev.EventID)

	flows, err := d.flows.ListActiveByTriggers(ctx, ev.AccountID, []string{once.String(), every.String()})
	if err != nil {
		telemetry.SetError(span, err)
		return Result{}, fmt.Errorf("find flows for event %s: %w", ev.EventID, err)
	}
	nodes, err := d.nodes.ListWaitingFor(ctx, once.String())
	if err != nil {
		telemetry.SetError(span, err)
		return Result{}, fmt.Errorf("find nodes waiting for event %s: %w", ev.EventID, err)
	}

	triggerData, err := json.Marshal(ev.Data)
	if err != nil {
		return Result{}, queue.Permanent(fmt.Errorf("marshal event data: %w", err))
	}
	description := Describe(ev.EventID, ev.Data)

	var runs, resumed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanOut)

	var failed atomic.Int32
	add := func(q queue.Name, name string, payload any, opts queue.Options, counter *atomic.Int32, target string) {
		g.Go(func() error {
			added, err := d.queue.Add(gctx, q, name, payload, opts)
			if err != nil {
				failed.Add(1)
				logger.Warn("failed to enqueue", "job", name, "job_id", opts.JobID, "error", err)
				return nil
			}
			if added {
				counter.Add(1)
				telemetry.EventsDispatched.WithLabelValues(target).Inc()
			}
			return nil
		})
	}

	for _, f := range flows {
		payload := jobs.CreateRun{
			UserID:       ev.UserID,
			AccountID:    ev.AccountID,
			FlowID:       f.ID,
			TriggerInput: description,
			TriggerType:  domain.TriggerTypeEvent,
		}
		opts := queue.Options{JobID: CreateRunJobID(f.ID, ev.EventID, triggerData)}
		add(jobs.QueueCreateRun, jobs.NameCreateRun, payload, opts, &runs, "flow")
	}

	for _, n := range nodes {
		payload := jobs.ProcessTrigger{
			RunID:         n.RunID,
			NodeID:        n.ID,
			TriggerWaitID: n.TriggerWait,
			TriggerData:   triggerData,
		}
		opts := queue.Options{JobID: jobs.TriggerJobID(n.RunID, n.ID), RemoveOnComplete: true}
		add(jobs.QueueProcessTrigger, jobs.NameProcessTrigger, payload, opts, &resumed, "node")
	}

	_ = g.Wait()

	res := Result{Runs: int(runs.Load()), Resumed: int(resumed.Load())}
	logger.Info("event dispatched",
		"flows", len(flows),
		"nodes", len(nodes),
		"runs_enqueued", res.Runs,
		"nodes_resumed", res.Resumed,
	)

	if n := failed.Load(); n > 0 {
		err := fmt.Errorf("%w: %d of %d jobs", ErrEnqueue, n, len(flows)+len(nodes))
		telemetry.SetError(span, err)
		return res, err
	}
	return res, nil
}

// CreateRunJobID — JobID create-run для события:
// повторная доставка того же события с теми же данными схлопывается.
func CreateRunJobID(flowID uuid.UUID, eventID string, eventData []byte) string {
	sum := sha256.Sum256(eventData)
	return fmt.Sprintf("%s-event-%s-%s", flowID, eventID, hex.EncodeToString(sum[:8]))
}

// Describe превращает событие в текстовое описание для агента.
// Ключи сортируются, вложенные значения выводятся как JSON.
func Describe(eventID string, data map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event %s received", eventID)
	if len(data) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(":")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, describeValue(data[k]))
	}
	return b.String()
}

func describeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64, bool, json.Number:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
