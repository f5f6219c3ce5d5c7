package runtime

import (
	"math/rand"
	"time"

	"github.com/agentxhq/agentrun/types"
)

// backoffDelay computes the wait before the retry following attempt:
// exponential from BaseBackoff, capped at MaxBackoff, with ±25% jitter.
// The jitter band is narrower than the doubling, so successive delays keep
// growing until the cap.
func backoffDelay(policy types.RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseBackoff
	for i := 1; i < attempt && delay < policy.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}
	return time.Duration(float64(delay) * (0.75 + 0.5*rand.Float64()))
}

// retryPolicyFor fills a node's retry policy with the engine defaults.
func (e *Engine) retryPolicyFor(node *types.Node) types.RetryPolicy {
	policy := node.Retry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = e.opts.DefaultMaxAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = e.opts.DefaultBaseBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = e.opts.DefaultMaxBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	return policy
}
