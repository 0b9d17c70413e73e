package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/modsync/file-server/internal/domain/model"
)

var (
	// ErrQueueOverflow — обычная очередь превысила порог и была сброшена.
	ErrQueueOverflow = errors.New("очередь скачиваний переполнена")
	// ErrRequestNotFound — запроса нет ни в слотах, ни в очередях.
	ErrRequestNotFound = errors.New("запрос на скачивание не найден")
)

// Метки очередей.
const (
	lanePriority = "priority"
	laneNormal   = "normal"
)

var (
	queueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fs_queue_length",
		Help: "Длина очереди скачиваний",
	}, []string{"lane"})

	queueSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fs_queue_slots",
		Help: "Занятые слоты скачивания по состоянию",
	}, []string{"state"})

	queueAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_queue_admitted_total",
		Help: "Запросы, получившие слот",
	}, []string{"lane"})

	queueReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_queue_reclaimed_total",
		Help: "Слоты, освобождённые по таймауту",
	}, []string{"reason"})

	queueShedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_queue_shed_total",
		Help: "Запросы, сброшенные при переполнении обычной очереди",
	})
)

// PriorityChecker определяет приоритет пользователя.
type PriorityChecker interface {
	IsHighPriority(ctx context.Context, userID string) bool
}

// ReadyNotifier сообщает клиенту, что слот выделен и можно скачивать.
type ReadyNotifier interface {
	DownloadReady(ctx context.Context, req model.DownloadRequest) error
}

// QueueConfig — параметры очереди скачиваний.
type QueueConfig struct {
	// Size — число слотов
	Size int
	// AdmissionTimeout — сколько слот ждёт Activate
	AdmissionTimeout time.Duration
	// ReleaseTimeout — сколько живёт активный слот
	ReleaseTimeout time.Duration
	// ClearLimit — порог длины обычной очереди
	ClearLimit int
	// TickInterval — период тика
	TickInterval time.Duration
}

// slot — позиция пула скачиваний. req == nil — слот свободен.
type slot struct {
	req         *model.DownloadRequest
	priority    bool
	expiresAt   time.Time
	active      bool
	activatedAt time.Time
}

// queuedRequest — запрос, ожидающий слот.
type queuedRequest struct {
	req      *model.DownloadRequest
	priority bool
}

// RequestQueue — очередь скачиваний с фиксированным пулом слотов.
// Слот проходит Empty → Reserved → Active → Empty. Приоритетная очередь
// всегда разбирается раньше обычной.
type RequestQueue struct {
	cfg      QueueConfig
	priority PriorityChecker
	notifier ReadyNotifier
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	slots        []slot
	priorityLane []*model.DownloadRequest
	normalLane   []*model.DownloadRequest
	// queued — запросы в очередях (без отменённых)
	queued map[string]queuedRequest
	// cancelled — отменённые запросы, ещё лежащие в очереди
	cancelled map[string]struct{}

	ticking atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRequestQueue создаёт очередь.
func NewRequestQueue(cfg QueueConfig, priority PriorityChecker, notifier ReadyNotifier, logger *slog.Logger) *RequestQueue {
	return &RequestQueue{
		cfg:       cfg,
		priority:  priority,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "request_queue")),
		now:       time.Now,
		slots:     make([]slot, cfg.Size),
		queued:    make(map[string]queuedRequest),
		cancelled: make(map[string]struct{}),
	}
}

// Start запускает фоновый тик очереди.
func (q *RequestQueue) Start(ctx context.Context) {
	tickCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.run(tickCtx)

	q.logger.Info("Очередь скачиваний запущена",
		slog.Int("slots", q.cfg.Size),
		slog.String("tick", q.cfg.TickInterval.String()),
	)
}

// Stop останавливает тик и дожидается его завершения.
func (q *RequestQueue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.logger.Info("Очередь скачиваний остановлена")
}

func (q *RequestQueue) run(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Enqueue ставит запрос в очередь. Приоритет определяется до захвата
// блокировки: обращение к БД не должно держать очередь.
// Если обычная очередь превысила порог, она сбрасывается целиком
// вместе с новым запросом, и возвращается ErrQueueOverflow.
func (q *RequestQueue) Enqueue(ctx context.Context, req *model.DownloadRequest) error {
	isHigh := q.priority != nil && q.priority.IsHighPriority(ctx, req.UserID)

	q.mu.Lock()
	defer q.mu.Unlock()

	if isHigh {
		q.priorityLane = append(q.priorityLane, req)
		q.queued[req.RequestID] = queuedRequest{req: req, priority: true}
		q.updateLaneGauges()
		return nil
	}

	q.normalLane = append(q.normalLane, req)
	q.queued[req.RequestID] = queuedRequest{req: req}

	if len(q.normalLane) > q.cfg.ClearLimit {
		shed := len(q.normalLane)
		for _, r := range q.normalLane {
			delete(q.queued, r.RequestID)
			delete(q.cancelled, r.RequestID)
		}
		q.normalLane = nil
		queueShedTotal.Add(float64(shed))
		q.updateLaneGauges()
		q.logger.Warn("Обычная очередь переполнена и сброшена",
			slog.Int("dropped", shed),
			slog.Int("limit", q.cfg.ClearLimit),
		)
		return ErrQueueOverflow
	}

	q.updateLaneGauges()
	return nil
}

// Tick применяет таймауты слотов и заполняет свободные слоты.
// Если предыдущий тик ещё выполняется, вызов ничего не делает.
func (q *RequestQueue) Tick(ctx context.Context) {
	if !q.ticking.CompareAndSwap(false, true) {
		return
	}
	defer q.ticking.Store(false)

	admitted := q.advance(q.now())

	if q.notifier == nil {
		return
	}
	for _, req := range admitted {
		if err := q.notifier.DownloadReady(ctx, req); err != nil {
			q.logger.Warn("Не удалось уведомить клиента о готовности",
				slog.String("request_id", req.RequestID),
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// advance выполняет один шаг конечного автомата слотов под блокировкой.
// Возвращает копии запросов, получивших слот.
func (q *RequestQueue) advance(now time.Time) []model.DownloadRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var admitted []model.DownloadRequest
	for i := range q.slots {
		s := &q.slots[i]

		if s.req != nil {
			switch {
			case !s.active && now.After(s.expiresAt):
				q.logger.Debug("Слот не активирован вовремя",
					slog.Int("slot", i),
					slog.String("request_id", s.req.RequestID),
				)
				queueReclaimedTotal.WithLabelValues("idle").Inc()
				*s = slot{}
			case s.active && now.Sub(s.activatedAt) > q.cfg.ReleaseTimeout:
				q.logger.Debug("Активный слот освобождён по таймауту",
					slog.Int("slot", i),
					slog.String("request_id", s.req.RequestID),
				)
				queueReclaimedTotal.WithLabelValues("release").Inc()
				*s = slot{}
			}
		}

		if s.req != nil {
			continue
		}
		next, isHigh := q.popNext()
		if next == nil {
			continue
		}
		*s = slot{
			req:       next,
			priority:  isHigh,
			expiresAt: now.Add(q.cfg.AdmissionTimeout),
		}
		lane := laneNormal
		if isHigh {
			lane = lanePriority
		}
		queueAdmittedTotal.WithLabelValues(lane).Inc()
		admitted = append(admitted, *next)
	}

	q.updateLaneGauges()
	q.updateSlotGauges()
	return admitted
}

// popNext извлекает следующий неотменённый запрос: сначала приоритетный.
// Вызывается под q.mu.
func (q *RequestQueue) popNext() (*model.DownloadRequest, bool) {
	if req := q.popLane(&q.priorityLane); req != nil {
		return req, true
	}
	return q.popLane(&q.normalLane), false
}

// popLane извлекает голову очереди, отбрасывая отменённые запросы.
func (q *RequestQueue) popLane(lane *[]*model.DownloadRequest) *model.DownloadRequest {
	for len(*lane) > 0 {
		req := (*lane)[0]
		(*lane)[0] = nil
		*lane = (*lane)[1:]

		if _, ok := q.cancelled[req.RequestID]; ok {
			delete(q.cancelled, req.RequestID)
			continue
		}
		delete(q.queued, req.RequestID)
		return req
	}
	return nil
}

// findSlot возвращает слот запроса. Вызывается под q.mu.
func (q *RequestQueue) findSlot(requestID string) *slot {
	for i := range q.slots {
		if q.slots[i].req != nil && q.slots[i].req.RequestID == requestID {
			return &q.slots[i]
		}
	}
	return nil
}

// Activate переводит зарезервированный слот в активное состояние.
// Повторный вызов для активного слота продлевает его (keepalive).
func (q *RequestQueue) Activate(requestID string) error {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.findSlot(requestID)
	if s == nil {
		return ErrRequestNotFound
	}
	// Истёкший резерв ещё не освобождён тиком, но активировать его поздно
	if !s.active && now.After(s.expiresAt) {
		return ErrRequestNotFound
	}
	s.active = true
	s.activatedAt = now
	q.updateSlotGauges()
	return nil
}

// Finish освобождает слот запроса.
func (q *RequestQueue) Finish(requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.findSlot(requestID)
	if s == nil {
		return ErrRequestNotFound
	}
	*s = slot{}
	q.updateSlotGauges()
	return nil
}

// Cancel отменяет запрос пользователя. Запрос в слоте освобождает слот сразу,
// запрос в очереди помечается и отбрасывается при извлечении.
func (q *RequestQueue) Cancel(requestID, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s := q.findSlot(requestID); s != nil {
		if s.req.UserID != userID {
			return ErrRequestNotFound
		}
		*s = slot{}
		q.updateSlotGauges()
		return nil
	}

	entry, ok := q.queued[requestID]
	if !ok || entry.req.UserID != userID {
		return ErrRequestNotFound
	}
	delete(q.queued, requestID)
	q.cancelled[requestID] = struct{}{}
	return nil
}

// IsActive возвращает запрос, если он принадлежит userID, активирован
// и не истёк. Совпадать должны и requestID, и userID.
func (q *RequestQueue) IsActive(requestID, userID string) *model.DownloadRequest {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.findSlot(requestID)
	if s == nil || s.req.UserID != userID || !s.active {
		return nil
	}
	if now.Sub(s.activatedAt) > q.cfg.ReleaseTimeout {
		return nil
	}
	req := *s.req
	return &req
}

// Status возвращает состояние запроса для владельца.
func (q *RequestQueue) Status(requestID, userID string) (*model.RequestStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s := q.findSlot(requestID); s != nil {
		if s.req.UserID != userID {
			return nil, ErrRequestNotFound
		}
		state := model.StateReserved
		if s.active {
			state = model.StateActive
		}
		return &model.RequestStatus{State: state, Priority: s.priority}, nil
	}

	entry, ok := q.queued[requestID]
	if !ok || entry.req.UserID != userID {
		return nil, ErrRequestNotFound
	}

	lane := q.normalLane
	if entry.priority {
		lane = q.priorityLane
	}
	position := 0
	for _, r := range lane {
		if _, skip := q.cancelled[r.RequestID]; skip {
			continue
		}
		position++
		if r.RequestID == requestID {
			break
		}
	}
	return &model.RequestStatus{State: model.StateQueued, Position: position, Priority: entry.priority}, nil
}

// Stats возвращает длины очередей и число занятых слотов.
func (q *RequestQueue) Stats() (priorityLen, normalLen, reserved, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reserved, active = q.slotCounts()
	return len(q.priorityLane), len(q.normalLane), reserved, active
}

// slotCounts считает зарезервированные и активные слоты. Вызывается под q.mu.
func (q *RequestQueue) slotCounts() (reserved, active int) {
	for i := range q.slots {
		switch {
		case q.slots[i].req == nil:
		case q.slots[i].active:
			active++
		default:
			reserved++
		}
	}
	return reserved, active
}

// updateLaneGauges обновляет метрики длины очередей. Вызывается под q.mu.
func (q *RequestQueue) updateLaneGauges() {
	queueLength.WithLabelValues(lanePriority).Set(float64(len(q.priorityLane)))
	queueLength.WithLabelValues(laneNormal).Set(float64(len(q.normalLane)))
}

// updateSlotGauges обновляет метрики слотов. Вызывается под q.mu.
func (q *RequestQueue) updateSlotGauges() {
	reserved, active := q.slotCounts()
	queueSlots.WithLabelValues("reserved").Set(float64(reserved))
	queueSlots.WithLabelValues("active").Set(float64(active))
}
