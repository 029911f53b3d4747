package classify

import (
	"testing"
	"time"

	"github.com/droverhq/drover/driver"
)

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		kind   driver.Kind
		task   TaskAction
		proxy  ProxyAction
		worker WorkerSignal
	}{
		{driver.KindSuccess, TaskAdvance, ProxySuccess, WorkerContinue},
		{driver.KindChatNotFound, TaskBlock, ProxyChatNotFound, WorkerContinue},
		{driver.KindNeedToJoin, TaskDefer, ProxySkip, WorkerContinue},
		{driver.KindPremiumRequired, TaskDefer, ProxySkip, WorkerContinue},
		{driver.KindStarsRequired, TaskDefer, ProxySkip, WorkerContinue},
		{driver.KindUserBlocked, TaskDefer, ProxySkip, WorkerContinue},
		{driver.KindInputUnavailable, TaskDefer, ProxySkip, WorkerContinue},
		{driver.KindAccountFrozen, TaskRelease, ProxySkip, WorkerBanned},
		{driver.KindLoggedOut, TaskRelease, ProxySkip, WorkerBanned},
		{driver.KindSlowMode, TaskRelease, ProxySkip, WorkerContinue},
		{driver.KindNetworkError, TaskRetry, ProxyError, WorkerContinue},
		{driver.KindTimeout, TaskRetry, ProxyError, WorkerContinue},
		{driver.KindSelectorMissing, TaskRetry, ProxyError, WorkerContinue},
		{driver.KindUnexpected, TaskRetry, ProxyError, WorkerContinue},
	}
	for _, tc := range cases {
		d := Classify(driver.Outcome{Kind: tc.kind})
		if d.Task != tc.task {
			t.Errorf("%s: task = %s, want %s", tc.kind, d.Task, tc.task)
		}
		if d.Proxy != tc.proxy {
			t.Errorf("%s: proxy = %v, want %v", tc.kind, d.Proxy, tc.proxy)
		}
		if d.Worker != tc.worker {
			t.Errorf("%s: worker = %v, want %v", tc.kind, d.Worker, tc.worker)
		}
	}
}

func TestClassifyBlockReasonMatchesKind(t *testing.T) {
	d := Classify(driver.Outcome{Kind: driver.KindChatNotFound})
	if d.BlockReason != string(driver.KindChatNotFound) {
		t.Errorf("block reason = %q", d.BlockReason)
	}
}

func TestClassifyRestrictionsDoNotBlock(t *testing.T) {
	restricted := []driver.Kind{
		driver.KindNeedToJoin,
		driver.KindPremiumRequired,
		driver.KindStarsRequired,
		driver.KindUserBlocked,
		driver.KindInputUnavailable,
	}
	for _, kind := range restricted {
		d := Classify(driver.Outcome{Kind: kind})
		if d.Task != TaskDefer {
			t.Errorf("%s: task = %s, want defer", kind, d.Task)
		}
		if d.BlockReason != "" {
			t.Errorf("%s: unexpected block reason %q", kind, d.BlockReason)
		}
	}
}

func TestClassifyIsTotal(t *testing.T) {
	// A kind nobody registered still yields a usable decision.
	d := Classify(driver.Outcome{Kind: driver.Kind("weird_new_failure")})
	if d.Task != TaskRetry {
		t.Errorf("unknown kind task = %s, want retry", d.Task)
	}
}

func TestClassifySlowModeCarriesWait(t *testing.T) {
	d := Classify(driver.Outcome{Kind: driver.KindSlowMode, SlowModeWait: 90 * time.Second})
	if d.RetryAfter != 90*time.Second {
		t.Errorf("retry after = %s, want 90s", d.RetryAfter)
	}
}
