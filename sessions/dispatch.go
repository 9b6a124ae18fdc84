package sessions

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/GrainArc/GeoRef/errs"
)

// Runner executes the computation of a submitted session.
type Runner interface {
	Run(ctx context.Context, id uint) error
}

// Dispatcher decides when a submitted session runs. Callers of Submit do
// not know which one is configured.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uint, r Runner) error
}

// Immediate runs the session inline, inside the submitting request.
type Immediate struct{}

func (Immediate) Dispatch(ctx context.Context, id uint, r Runner) error {
	return r.Run(ctx, id)
}

// Queue carries session ids to workers.
type Queue interface {
	Push(ctx context.Context, id uint) error
	// Pop blocks until an id is available or ctx is done.
	Pop(ctx context.Context) (uint, error)
	Close() error
}

// Deferred enqueues the session id; a WorkerPool picks it up later.
type Deferred struct {
	Queue Queue
}

func (d Deferred) Dispatch(ctx context.Context, id uint, _ Runner) error {
	return d.Queue.Push(ctx, id)
}

// MemoryQueue is an in-process queue for single binary deployments.
type MemoryQueue struct {
	ch   chan uint
	once sync.Once
	done chan struct{}
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan uint, size), done: make(chan struct{})}
}

func (q *MemoryQueue) Push(ctx context.Context, id uint) error {
	select {
	case q.ch <- id:
		return nil
	case <-q.done:
		return errors.New("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (uint, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.done:
		return 0, errors.New("queue closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// RedisQueue is a list in Redis shared by the web process and the workers.
type RedisQueue struct {
	pool *redis.Pool
	key  string
	// BLPOP timeout, so Pop notices a cancelled ctx
	wait time.Duration
}

func NewRedisQueue(address, key string, maxConnections int) *RedisQueue {
	pool := redis.NewPool(func() (redis.Conn, error) {
		c, err := redis.Dial("tcp", address)
		if err != nil {
			return nil, err
		}
		return c, err
	}, maxConnections)
	return &RedisQueue{pool: pool, key: key, wait: time.Second}
}

func (q *RedisQueue) Push(_ context.Context, id uint) error {
	conn := q.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("RPUSH", q.key, id); err != nil {
		return errs.Storage(err, "enqueue session %d", id)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (uint, error) {
	secs := int(q.wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		conn := q.pool.Get()
		reply, err := redis.Strings(conn.Do("BLPOP", q.key, secs))
		conn.Close()
		if err == redis.ErrNil {
			continue
		}
		if err != nil {
			log.Debugf("[Queue] BLPOP failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		// reply is [key, value]
		if len(reply) != 2 {
			continue
		}
		id, err := strconv.ParseUint(reply[1], 10, 64)
		if err != nil {
			log.Warnf("[Queue] dropping malformed session id %q", reply[1])
			continue
		}
		return uint(id), nil
	}
}

func (q *RedisQueue) Close() error {
	return q.pool.Close()
}

// WorkerPool runs queued sessions on a fixed number of goroutines.
type WorkerPool struct {
	queue   Queue
	runner  Runner
	workers int
	wg      sync.WaitGroup
}

func NewWorkerPool(queue Queue, runner Runner, workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{queue: queue, runner: runner, workers: workers}
}

// Start launches the workers; they stop when ctx is done.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i+1)
	}
}

// Wait blocks until every worker returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	log.Debugf("[Worker] worker %d starting", n)
	for {
		id, err := p.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debugf("[Worker] worker %d stopping: %v", n, err)
			}
			return
		}
		if err := p.runner.Run(ctx, id); err != nil {
			log.WithFields(log.Fields{"worker": n, "session": id}).Warnf("run failed: %v", err)
		}
	}
}
