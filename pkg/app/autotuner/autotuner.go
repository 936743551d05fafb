package autotuner

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	apprisk "github.com/dtg-labs/shieldgate/pkg/app/risk"
	domain "github.com/dtg-labs/shieldgate/pkg/domain/risk"
	"github.com/dtg-labs/shieldgate/pkg/infra/events"
	"github.com/sirupsen/logrus"
)

// AutoTuner periodically scans active blocks for subnet-level attack
// patterns. Its output is advisory: a log alert and an optional stream
// event recommending a broader block, never an enforced one.
type AutoTuner struct {
	engine    apprisk.Engine
	publisher events.Publisher
	logger    *logrus.Logger
	interval  time.Duration
	threshold int
}

func New(
	engine apprisk.Engine,
	publisher events.Publisher,
	logger *logrus.Logger,
	interval time.Duration,
	threshold int,
) *AutoTuner {
	return &AutoTuner{
		engine:    engine,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
	}
}

// Run blocks until ctx is cancelled. A failed cycle is logged and the next
// one proceeds on schedule.
func (t *AutoTuner) Run(ctx context.Context) {
	t.logger.WithField("interval", t.interval.String()).Info("autotuner started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if err := t.Scan(ctx); err != nil {
		t.logger.WithError(err).Error("autotuner cycle failed")
	}
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("autotuner stopped")
			return
		case <-ticker.C:
			if err := t.Scan(ctx); err != nil {
				t.logger.WithError(err).Error("autotuner cycle failed")
			}
		}
	}
}

// Scan runs one advisory cycle.
func (t *AutoTuner) Scan(ctx context.Context) error {
	blocked, err := t.engine.GetAllBlocked(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch active blocks: %w", err)
	}

	identities := make([]string, 0, len(blocked))
	for identity := range blocked {
		identities = append(identities, identity)
	}

	for subnet, count := range GroupBySubnet(identities) {
		if count < t.threshold {
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"subnet":  subnet,
			"blocked": count,
		}).Warn("high risk detected on subnet, consider CIDR blocking")
		t.publish(ctx, subnet, count)
	}

	t.logger.WithField("analyzed", len(blocked)).Debug("autotuner heartbeat")
	return nil
}

// GroupBySubnet buckets IPv4 identities by their /24 network prefix.
// Non-IPv4 identities are skipped.
func GroupBySubnet(identities []string) map[string]int {
	counts := make(map[string]int)
	for _, identity := range identities {
		ip := net.ParseIP(identity)
		if ip == nil || ip.To4() == nil {
			continue
		}
		parts := strings.Split(identity, ".")
		if len(parts) != 4 {
			continue
		}
		subnet := fmt.Sprintf("%s.%s.%s.0/24", parts[0], parts[1], parts[2])
		counts[subnet]++
	}
	return counts
}

func (t *AutoTuner) publish(ctx context.Context, subnet string, count int) {
	evt := &domain.SecurityEvent{
		Type:      domain.EventTypeSubnetAdvisory,
		Subnet:    subnet,
		Reason:    fmt.Sprintf("%d blocked identities in %s", count, subnet),
		Count:     count,
		Timestamp: time.Now().UTC(),
	}
	if err := t.publisher.Publish(ctx, evt); err != nil {
		t.logger.WithError(err).WithField("subnet", subnet).Error("failed to publish subnet advisory")
	}
}
