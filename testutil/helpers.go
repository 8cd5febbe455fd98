// Package testutil 提供测试公共工具。
package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext 返回带超时的测试上下文，测试结束时自动取消。
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Eventually 反复执行 cond 直到为真或超时。
// 用于等待后台 goroutine 达到预期状态。
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
