package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponsibleIDDefault(t *testing.T) {
	assert.Equal(t, GoroutineID(), ResponsibleID())
}

func TestResponsibleIDSetAndRestore(t *testing.T) {
	saved := ResponsibleID()

	SetResponsibleID(12345)
	assert.Equal(t, int64(12345), ResponsibleID())

	// 保存/设置/恢复三段式用法。
	SetResponsibleID(saved)
	assert.Equal(t, GoroutineID(), ResponsibleID())
}

func TestResponsibleIDPerGoroutine(t *testing.T) {
	SetResponsibleID(777)
	defer SetResponsibleID(GoroutineID())

	done := make(chan int64)
	go func() {
		// 其他 goroutine 不受影响，看到自己的默认标识。
		done <- ResponsibleID()
	}()
	otherID := <-done
	require.NotEqual(t, int64(777), otherID)
	assert.Equal(t, int64(777), ResponsibleID())
}
