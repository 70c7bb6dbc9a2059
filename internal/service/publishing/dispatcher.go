package publishing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/pkg/logger"
)

// DefaultCallTimeout bounds one adapter call when none is configured.
const DefaultCallTimeout = 90 * time.Second

// DispatcherConfig controls adapter invocation.
type DispatcherConfig struct {
	CallTimeout time.Duration
	// RPS returns the outbound calls per second allowed for a platform;
	// zero or negative means unlimited.
	RPS func(platform string) float64
}

// Dispatcher fans one item out to its platforms and accounts.
type Dispatcher struct {
	registry *Registry
	resolver *AccountResolver
	accounts AccountStore
	composer *Composer
	cfg      DispatcherConfig

	mu       sync.Mutex
	limiters map[domain.Platform]*rate.Limiter
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(registry *Registry, accounts AccountStore, composer *Composer, cfg DispatcherConfig) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Dispatcher{
		registry: registry,
		resolver: NewAccountResolver(accounts),
		accounts: accounts,
		composer: composer,
		cfg:      cfg,
		limiters: make(map[domain.Platform]*rate.Limiter),
	}
}

// Dispatch publishes item to every target platform with the already
// resolved media and returns one result per platform. Platforms run
// concurrently; accounts within a platform run one after another.
func (d *Dispatcher) Dispatch(ctx context.Context, item *domain.ScheduledItem, media ResolvedMedia) map[domain.Platform]*domain.PlatformResult {
	results := make(map[domain.Platform]*domain.PlatformResult)

	if item.IsSingleTarget() {
		r := d.dispatchSingle(ctx, item, media)
		results[r.Platform] = r
		return results
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, platform := range item.TargetPlatforms() {
		g.Go(func() error {
			r := d.dispatchMulti(ctx, item, platform, media)
			mu.Lock()
			results[platform] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) dispatchSingle(ctx context.Context, item *domain.ScheduledItem, media ResolvedMedia) *domain.PlatformResult {
	result := &domain.PlatformResult{Platform: item.Platform}
	if item.AccountID == "" {
		result.Err, result.ErrCode = (&NoAccountError{Platform: item.Platform}).Error(), domain.ErrCodeNoAccount
		return result
	}
	acc, err := d.accounts.Get(ctx, item.AccountID)
	if errors.Is(err, ErrAccountNotFound) {
		result.Err, result.ErrCode = (&NoAccountError{Platform: item.Platform}).Error(), domain.ErrCodeNoAccount
		return result
	}
	if err != nil {
		result.Err, result.ErrCode = fmt.Sprintf("load account: %v", err), domain.ErrCodeUnexpected
		return result
	}
	d.publishAll(ctx, item, result, []domain.Account{*acc}, media)
	return result
}

func (d *Dispatcher) dispatchMulti(ctx context.Context, item *domain.ScheduledItem, platform domain.Platform, media ResolvedMedia) *domain.PlatformResult {
	result := &domain.PlatformResult{Platform: platform}

	accounts, err := d.resolver.ResolveAccounts(ctx, platform, item.OwnerUserID, item.AccountSelection[platform])
	if err != nil {
		var noAcc *NoAccountError
		if errors.As(err, &noAcc) {
			result.Err, result.ErrCode = noAcc.Error(), domain.ErrCodeNoAccount
		} else {
			result.Err, result.ErrCode = err.Error(), domain.ErrCodeUnexpected
		}
		return result
	}
	d.publishAll(ctx, item, result, accounts, media)
	return result
}

// publishAll calls the platform adapter once per account, sequentially.
func (d *Dispatcher) publishAll(ctx context.Context, item *domain.ScheduledItem, result *domain.PlatformResult, accounts []domain.Account, media ResolvedMedia) {
	publisher, err := d.registry.For(result.Platform)
	if err != nil {
		result.Err, result.ErrCode = err.Error(), domain.ErrCodePlatformFailure
		return
	}
	text, err := d.composer.Compose(item, result.Platform)
	if err != nil {
		result.Err, result.ErrCode = err.Error(), domain.ErrCodeInvalidItem
		return
	}
	imageURL, videoURL := media.Slots()

	for _, acc := range accounts {
		req := PublishRequest{
			ItemID:   item.ID,
			Text:     text,
			ImageURL: imageURL,
			VideoURL: videoURL,
			Account:  acc,
		}
		out := d.publishOne(ctx, result.Platform, publisher, req)
		out.AccountID = acc.ID
		out.AccountName = acc.Label()
		result.Accounts = append(result.Accounts, out)

		if out.Class != domain.OutcomeSuccess {
			logger.Warn("[Dispatcher] account publish failed",
				"item_id", item.ID, "platform", string(result.Platform), "account_id", acc.ID,
				"class", string(out.Class), "error", out.ErrorMessage)
		}
	}
}

func (d *Dispatcher) publishOne(ctx context.Context, platform domain.Platform, publisher Publisher, req PublishRequest) domain.AccountOutcome {
	if err := d.limiter(platform).Wait(ctx); err != nil {
		return domain.AccountOutcome{Class: domain.OutcomeFailed, ErrorMessage: fmt.Sprintf("dispatch cancelled: %v", err), ErrorCode: domain.ErrCodeUnexpected}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	res, err := invoke(callCtx, publisher, req)
	if err != nil {
		// The item deadline and the per-call deadline both surface on
		// callCtx; the parent tells them apart.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.AccountOutcome{
				Class:        domain.OutcomeFailed,
				ErrorMessage: "item deadline exceeded before publish finished",
				ErrorCode:    "timeout",
			}
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.AccountOutcome{
				Class:        domain.OutcomeFailed,
				ErrorMessage: fmt.Sprintf("publish timed out after %s", d.cfg.CallTimeout),
				ErrorCode:    "timeout",
			}
		}
		return ClassifyError(err)
	}
	return normalizeResult(res)
}

// invoke runs the adapter call so that an adapter ignoring its context
// cannot hold the dispatch past the deadline. Panics become errors.
func invoke(ctx context.Context, publisher Publisher, req PublishRequest) (PublishResult, error) {
	type reply struct {
		res PublishResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("publisher panic: %v", r)}
			}
		}()
		res, err := publisher.Publish(ctx, req)
		ch <- reply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}
}

func (d *Dispatcher) limiter(platform domain.Platform) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[platform]; ok {
		return l
	}
	rps := 0.0
	if d.cfg.RPS != nil {
		rps = d.cfg.RPS(string(platform))
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
	}
	d.limiters[platform] = l
	return l
}
