package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimer(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	signal := make(chan bool, 4)
	callback := func() error {
		signal <- true
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*50, callback))
	for itr := 0; itr < 2; itr++ {
		select {
		case <-signal:
			break
		case <-time.After(time.Second):
			assert.True(false)
		}
	}

	assert.Nil(uut.Stop())
}
