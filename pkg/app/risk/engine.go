package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dtg-labs/shieldgate/pkg/common"
	"github.com/dtg-labs/shieldgate/pkg/config"
	domain "github.com/dtg-labs/shieldgate/pkg/domain/risk"
	"github.com/dtg-labs/shieldgate/pkg/infra/cache"
	"github.com/dtg-labs/shieldgate/pkg/infra/events"
	"github.com/dtg-labs/shieldgate/pkg/infra/prometheus"
	"github.com/dtg-labs/shieldgate/pkg/infra/reputation"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// backendFailureThreshold is the layer-4 cutoff on the rate-limit counters
// the proxied backend maintains.
const backendFailureThreshold = 50

//go:generate mockery --name=Engine --dir=. --output=./mocks --filename=engine_mock.go --case=underscore --with-expecter

// Engine owns risk scoring and the layered deny-decision pipeline. It is
// the only component that touches the shared risk/block keyspace.
type Engine interface {
	IncrementRisk(ctx context.Context, identity string, amount int, reason string) (int64, error)
	Block(ctx context.Context, identity, reason string, duration time.Duration) error
	IsBlocked(ctx context.Context, identity string, req *RequestContext) (bool, string)
	GetBlockCount(ctx context.Context) (int, error)
	GetAllBlocked(ctx context.Context) (map[string]domain.BlockedEntry, error)
}

// RequestContext carries the request attributes the policy layers inspect.
// Kept free of any HTTP framework type so the engine stays transport-neutral.
type RequestContext struct {
	AttestationToken string
}

type engine struct {
	cache          cache.Client
	reputation     reputation.Client
	publisher      events.Publisher
	logger         *logrus.Logger
	blockThreshold int64
	attestWeight   int
	blockDuration  time.Duration
}

func NewEngine(
	cfg config.ShieldConfig,
	cacheClient cache.Client,
	reputationClient reputation.Client,
	publisher events.Publisher,
	logger *logrus.Logger,
) Engine {
	return &engine{
		cache:          cacheClient,
		reputation:     reputationClient,
		publisher:      publisher,
		logger:         logger,
		blockThreshold: int64(cfg.BlockThreshold),
		attestWeight:   cfg.AttestationWeight,
		blockDuration:  cfg.BlockDuration,
	}
}

// IncrementRisk atomically adds amount to the identity's rolling score and
// refreshes the 1-hour window. Crossing the threshold blocks the identity
// as a side effect. The audit-log write is best effort; only a failed
// score increment is surfaced to the caller.
func (e *engine) IncrementRisk(ctx context.Context, identity string, amount int, reason string) (int64, error) {
	key := fmt.Sprintf(cache.RiskKeyPattern, identity)

	total, err := e.cache.IncrBy(ctx, key, int64(amount))
	if err != nil {
		return 0, fmt.Errorf("failed to increment risk for %s: %w", identity, err)
	}
	if err := e.cache.Expire(ctx, key, common.RiskScoreTTL); err != nil {
		e.logger.WithError(err).WithField("identity", identity).Error("failed to refresh risk score ttl")
	}

	e.appendLog(ctx, identity, amount, reason, total)

	e.logger.WithFields(logrus.Fields{
		"identity": identity,
		"amount":   amount,
		"reason":   reason,
		"total":    total,
	}).Info("risk score incremented")

	if total >= e.blockThreshold {
		if err := e.Block(ctx, identity, fmt.Sprintf("Risk score exceeded: %d", total), e.blockDuration); err != nil {
			e.logger.WithError(err).WithField("identity", identity).Error("failed to auto-block identity")
		}
	}

	return total, nil
}

// Block idempotently (re)asserts a deny record. The transition counter is
// bumped only when the identity was not already blocked; the exists-then-set
// pair is deliberately non-atomic, so two concurrent first blocks may count
// twice. Bounded skew on an advisory counter, accepted.
func (e *engine) Block(ctx context.Context, identity, reason string, duration time.Duration) error {
	blockKey := fmt.Sprintf(cache.BlockKeyPattern, identity)

	alreadyBlocked, err := e.cache.Exists(ctx, blockKey)
	if err != nil {
		return fmt.Errorf("failed to check existing block for %s: %w", identity, err)
	}
	if err := e.cache.Set(ctx, blockKey, reason, duration); err != nil {
		return fmt.Errorf("failed to write block record for %s: %w", identity, err)
	}
	if !alreadyBlocked {
		if _, err := e.cache.Incr(ctx, cache.BlockCountKey); err != nil {
			e.logger.WithError(err).Error("failed to increment block counter")
		}
		prometheus.ShieldBlockTransitions.Inc()
		e.emitEvent(&domain.SecurityEvent{
			Type:      domain.EventTypeBlock,
			Identity:  identity,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		})
	}

	e.logger.WithFields(logrus.Fields{
		"identity": identity,
		"reason":   reason,
		"duration": duration.String(),
	}).Warn("identity blocked")
	return nil
}

// IsBlocked evaluates the four policy layers in priority order and returns
// on the first that denies:
//
//	1. direct block record
//	2. geo policy
//	3. security policy (attestation, VPN, biometric throttle)
//	4. backend rate-limit heuristics
//
// A failing lookup inside a layer is inconclusive: logged, then evaluation
// continues. An infrastructure outage must never turn into a deny.
func (e *engine) IsBlocked(ctx context.Context, identity string, req *RequestContext) (bool, string) {
	if blocked, reason := e.checkDirectBlock(ctx, identity); blocked {
		prometheus.ShieldDeniedTotal.WithLabelValues("direct_block").Inc()
		return true, reason
	}

	if blocked, reason := e.checkGeoPolicy(ctx, identity); blocked {
		prometheus.ShieldDeniedTotal.WithLabelValues("geo").Inc()
		return true, reason
	}

	if blocked, reason := e.checkSecurityPolicy(ctx, identity, req); blocked {
		prometheus.ShieldDeniedTotal.WithLabelValues("security_policy").Inc()
		return true, reason
	}

	if blocked, reason := e.checkBackendHeuristics(ctx, identity); blocked {
		prometheus.ShieldDeniedTotal.WithLabelValues("backend_heuristic").Inc()
		return true, reason
	}

	return false, ""
}

// checkDirectBlock is layer 1. A read failure is inconclusive, never a deny.
func (e *engine) checkDirectBlock(ctx context.Context, identity string) (bool, string) {
	reason, err := e.cache.Get(ctx, fmt.Sprintf(cache.BlockKeyPattern, identity))
	if err != nil {
		if err != redis.Nil {
			e.logger.WithError(err).WithField("identity", identity).Error("direct block check failed")
		}
		return false, ""
	}
	return true, "Shield Risk Block: " + reason
}

func (e *engine) checkGeoPolicy(ctx context.Context, identity string) (bool, string) {
	raw, err := e.cache.Get(ctx, cache.GeoSettingsKey)
	if err != nil {
		if err != redis.Nil {
			e.logger.WithError(err).Error("geo policy read failed")
		}
		return false, ""
	}
	policy, err := domain.DecodeGeoPolicy(raw)
	if err != nil {
		e.logger.WithError(err).Error("geo policy decode failed")
		return false, ""
	}
	if !policy.Enabled {
		return false, ""
	}

	rawCountries, err := e.cache.Get(ctx, cache.GeoBlockedCountriesKey)
	if err != nil {
		if err != redis.Nil {
			e.logger.WithError(err).Error("blocked countries read failed")
		}
		return false, ""
	}
	countries, err := domain.DecodeBlockedCountries(rawCountries)
	if err != nil {
		e.logger.WithError(err).Error("blocked countries decode failed")
		return false, ""
	}
	if len(countries) == 0 {
		return false, ""
	}

	countryCode, err := e.reputation.ResolveCountry(ctx, identity)
	if err != nil {
		e.logger.WithError(err).WithField("identity", identity).Warn("geo lookup failed")
		return false, ""
	}
	if countryCode == "" {
		return false, ""
	}
	for _, blocked := range countries {
		if strings.EqualFold(blocked, countryCode) {
			e.logger.WithFields(logrus.Fields{
				"identity": identity,
				"country":  countryCode,
			}).Warn("identity geo-blocked")
			return true, fmt.Sprintf("Geo-Blocked: %s is restricted", strings.ToUpper(countryCode))
		}
	}
	return false, ""
}

func (e *engine) checkSecurityPolicy(ctx context.Context, identity string, req *RequestContext) (bool, string) {
	raw, err := e.cache.Get(ctx, cache.SecuritySettingsKey)
	if err != nil {
		if err != redis.Nil {
			e.logger.WithError(err).Error("security policy read failed")
		}
		return false, ""
	}
	policy, err := domain.DecodeSecurityPolicy(raw)
	if err != nil {
		e.logger.WithError(err).Error("security policy decode failed")
		return false, ""
	}

	// 3a. Device attestation. A missing token is scored, not denied
	// outright; the direct-block state is re-read immediately so a
	// same-request threshold crossing still denies this request.
	if policy.RequireDeviceAttestation && req != nil && req.AttestationToken == "" {
		prometheus.ShieldRiskIncrements.WithLabelValues("attestation").Inc()
		if _, err := e.IncrementRisk(ctx, identity, e.attestWeight,
			"Missing device attestation token (Root/Jailbreak suspected)"); err != nil {
			e.logger.WithError(err).WithField("identity", identity).Error("attestation risk increment failed")
		}
		if blocked, reason := e.checkDirectBlock(ctx, identity); blocked {
			return true, reason
		}
	}

	// 3b. VPN/proxy/datacenter reputation.
	if policy.BlockVPNAndProxy {
		verdict, err := e.reputation.CheckVPN(ctx, identity)
		if err != nil {
			e.logger.WithError(err).WithField("identity", identity).Warn("vpn lookup failed")
		} else if verdict.IsVPN {
			e.logger.WithFields(logrus.Fields{
				"identity": identity,
				"verdict":  verdict.Reason,
			}).Warn("vpn/proxy traffic blocked")
			return true, "Security Policy: VPN/Proxy/Datacenter traffic blocked"
		}
	}

	// 3c. Biometric throttle synchronization with the edge.
	bioCount, err := e.cache.ZCard(ctx, fmt.Sprintf(cache.BiometricRateKeyPattern, identity))
	if err != nil {
		e.logger.WithError(err).WithField("identity", identity).Error("biometric counter read failed")
		return false, ""
	}
	maxBio := int64(policy.MaxBiometricAttemptsPerIP)
	if bioCount > 0 && bioCount >= maxBio {
		prometheus.ShieldRiskIncrements.WithLabelValues("biometric_throttle").Inc()
		if _, err := e.IncrementRisk(ctx, identity, int(bioCount),
			fmt.Sprintf("Biometric IP limit exceeded (%d/%d)", bioCount, maxBio)); err != nil {
			e.logger.WithError(err).WithField("identity", identity).Error("biometric risk increment failed")
		}
		return true, fmt.Sprintf("Security Policy: Biometric limit exceeded at edge (%d/%d)", bioCount, maxBio)
	}

	return false, ""
}

// checkBackendHeuristics is layer 4: counters maintained by the proxied
// backend for login/enrollment attempts.
func (e *engine) checkBackendHeuristics(ctx context.Context, identity string) (bool, string) {
	authKeys := []string{
		fmt.Sprintf(cache.LoginRateKeyPattern, identity),
		fmt.Sprintf(cache.EnrollmentRateKeyPattern, identity),
	}
	for _, key := range authKeys {
		count, err := e.cache.ZCard(ctx, key)
		if err != nil {
			e.logger.WithError(err).WithField("key", key).Error("backend counter read failed")
			continue
		}
		if count > 0 && count >= backendFailureThreshold {
			prometheus.ShieldRiskIncrements.WithLabelValues("backend_heuristic").Inc()
			if _, err := e.IncrementRisk(ctx, identity, int(count),
				"Excessive backend rate limit failures detected at Edge"); err != nil {
				e.logger.WithError(err).WithField("identity", identity).Error("backend heuristic increment failed")
			}
			return true, "Edge proxy detected heavy backend failure rate"
		}
	}
	return false, ""
}

// GetBlockCount reads the dedicated counter, never the keyspace. The
// counter only counts unblocked-to-blocked transitions and is not
// decremented on expiry, so over long uptimes it exceeds the number of
// currently active blocks. Observed behavior, kept.
func (e *engine) GetBlockCount(ctx context.Context) (int, error) {
	raw, err := e.cache.Get(ctx, cache.BlockCountKey)
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read block counter: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed block counter value %q: %w", raw, err)
	}
	return count, nil
}

// GetAllBlocked enumerates active block records with their remaining TTLs.
// Bounded-cost SCAN; operator/advisory use only.
func (e *engine) GetAllBlocked(ctx context.Context) (map[string]domain.BlockedEntry, error) {
	keys, err := e.cache.ScanKeys(ctx, fmt.Sprintf(cache.BlockKeyPattern, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan block records: %w", err)
	}

	prefix := fmt.Sprintf(cache.BlockKeyPattern, "")
	blocked := make(map[string]domain.BlockedEntry, len(keys))
	for _, key := range keys {
		identity := strings.TrimPrefix(key, prefix)
		reason, err := e.cache.Get(ctx, key)
		if err != nil {
			// Expired between SCAN and GET.
			continue
		}
		ttl, err := e.cache.TTL(ctx, key)
		if err != nil {
			continue
		}
		blocked[identity] = domain.BlockedEntry{
			Reason:       reason,
			ExpiresInSec: int64(ttl.Seconds()),
		}
	}
	return blocked, nil
}

func (e *engine) appendLog(ctx context.Context, identity string, amount int, reason string, total int64) {
	entry := domain.LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Amount:     amount,
		Reason:     reason,
		TotalScore: total,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		e.logger.WithError(err).Error("failed to marshal risk log entry")
		return
	}
	logKey := fmt.Sprintf(cache.RiskLogKeyPattern, identity)
	if err := e.cache.LPush(ctx, logKey, string(payload)); err != nil {
		e.logger.WithError(err).WithField("identity", identity).Error("failed to append risk log")
		return
	}
	if err := e.cache.LTrim(ctx, logKey, 0, common.RiskLogCap-1); err != nil {
		e.logger.WithError(err).WithField("identity", identity).Error("failed to trim risk log")
	}
}

// emitEvent pushes to the event stream off the calling goroutine.
func (e *engine) emitEvent(evt *domain.SecurityEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.publisher.Publish(ctx, evt); err != nil {
			e.logger.WithError(err).WithField("type", evt.Type).Error("failed to publish security event")
		}
	}()
}
