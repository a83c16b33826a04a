package imagepipe

import (
	"sync/atomic"

	"github.com/kean/imagepipe/coalesce"
	"github.com/kean/imagepipe/config"
	"github.com/kean/imagepipe/core"
	"github.com/kean/imagepipe/datacache"
	"github.com/kean/imagepipe/keys"
	"github.com/kean/imagepipe/loader"
	"github.com/kean/imagepipe/memcache"
	"github.com/kean/imagepipe/queue"
	"github.com/kean/imagepipe/request"
	"github.com/kean/imagepipe/resumable"
	"github.com/kean/imagepipe/task"
)

// Pipeline is the asynchronous image-loading facade: it owns the memory
// cache, data cache, coalescer pools, per-stage work queues, and resumable
// download registry, and turns a request.Request into a task.Task.
//
// A Pipeline is safe for concurrent use once constructed by New.
type Pipeline struct {
	cfg      config.Config
	registry core.Registry
	logger   core.Logger

	memCache          *memcache.Cache
	dataCache         *datacache.DataCache
	resumableRegistry *resumable.Registry
	dataLoader        loader.Loader
	decompressAdvisor core.DecompressionAdvisor

	imageCoalescer *coalesce.Pool[keys.ImageLoadKey]
	dataCoalescer  *coalesce.Pool[keys.DataLoadKey]

	dataQueue       *queue.Stage
	decodeQueue     *queue.Stage
	processQueue    *queue.Stage
	decompressQueue *queue.Stage
	encodeQueue     *queue.Stage

	nextTaskID uint64
}

// Deps bundles the capabilities a caller must inject; everything else
// (caches, queues, coalescers) is wired internally from cfg.
type Deps struct {
	Registry          core.Registry
	Storage           core.StorageAdapter // nil disables the data cache entirely
	DataLoader        loader.Loader
	DecompressAdvisor core.DecompressionAdvisor // nil disables decompression
	Logger            core.Logger
}

// New wires a Pipeline from cfg and deps.
func New(cfg config.Config, deps Deps) *Pipeline {
	var dc *datacache.DataCache
	if deps.Storage != nil {
		policy := dataCachePolicyFromString(cfg.DataCachePolicy)
		dc = datacache.New(deps.Storage, policy, cfg.MaxConcurrentPerStage[5], deps.Logger)
	}

	var limiter *queue.RateLimiter
	if cfg.IsRateLimiterEnabled {
		limiter = queue.NewRateLimiter(true, cfg.RateLimiterRPS, cfg.RateLimiterBurst)
	} else {
		limiter = queue.NewRateLimiter(false, cfg.RateLimiterRPS, cfg.RateLimiterBurst)
	}
	var dataStageOpts []queue.StageOption
	dataStageOpts = append(dataStageOpts, queue.WithRateLimiter(limiter))
	if cfg.IsCongestionControlEnabled {
		dataStageOpts = append(dataStageOpts, queue.WithCongestionControl())
	}

	return &Pipeline{
		cfg:               cfg,
		registry:          deps.Registry,
		logger:            deps.Logger,
		memCache:          memcache.New(cfg.MemoryCacheCostLimit, cfg.MemoryCacheCountLimit, cfg.MemoryCacheTTL, cfg.IsStoringPreviewsInMemoryCache),
		dataCache:         dc,
		resumableRegistry: resumable.New(cfg.ResumableRegistrySize),
		dataLoader:        deps.DataLoader,
		decompressAdvisor: deps.DecompressAdvisor,
		imageCoalescer:    coalesce.NewPool[keys.ImageLoadKey](cfg.IsTaskCoalescingEnabled),
		dataCoalescer:     coalesce.NewPool[keys.DataLoadKey](cfg.IsTaskCoalescingEnabled),
		dataQueue:         queue.NewStage("data-load", cfg.MaxConcurrentPerStage[0], dataStageOpts...),
		decodeQueue:       queue.NewStage("decode", cfg.MaxConcurrentPerStage[1]),
		processQueue:      queue.NewStage("process", cfg.MaxConcurrentPerStage[2]),
		decompressQueue:   queue.NewStage("decompress", cfg.MaxConcurrentPerStage[3]),
		encodeQueue:       queue.NewStage("encode", cfg.MaxConcurrentPerStage[4]),
	}
}

func dataCachePolicyFromString(s string) datacache.Policy {
	switch s {
	case "store-original-data":
		return datacache.StoreOriginalData
	case "store-encoded-images":
		return datacache.StoreEncodedImages
	case "store-all":
		return datacache.StoreAll
	default:
		return datacache.Automatic
	}
}

// LoadImage creates a suspended Task for req. The underlying job graph is
// not started until the caller observes the task (Events or AwaitResponse).
func (p *Pipeline) LoadImage(req request.Request) *task.Task {
	id := atomic.AddUint64(&p.nextTaskID, 1)
	return p.newTask(id, req)
}

// OnMemoryPressure forwards a platform low-memory signal to the memory
// cache.
func (p *Pipeline) OnMemoryPressure() { p.memCache.OnMemoryPressure() }

// OnAppBackgrounded forwards a platform backgrounding signal to the memory
// cache.
func (p *Pipeline) OnAppBackgrounded() { p.memCache.OnAppBackgrounded() }

// MemoryCache exposes the underlying cache for direct inspection/warming.
func (p *Pipeline) MemoryCache() *memcache.Cache { return p.memCache }
