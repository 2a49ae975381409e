package workerpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_RunJobs(t *testing.T) {
	pool := New(5)

	var jobs []Job
	var completed int32
	for i := 0; i < 15; i++ {
		jobs = append(jobs, func() error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}

	pool.Add(jobs)
	require.NoError(t, pool.Wait())
	require.EqualValues(t, len(jobs), completed, "expected all jobs to be completed")
}

func Test_Err(t *testing.T) {
	pool := New(2)

	boom := require.New(t)
	pool.Add([]Job{
		func() error { return nil },
		func() error { return errBoom },
		func() error { return nil },
	})
	err := pool.Wait()
	boom.Equal(errBoom, err)
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func Test_StopWait(t *testing.T) {
	pool := New(5)

	var jobs []Job
	for i := 0; i < 15; i++ {
		jobs = append(jobs, func() error {
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}

	pool.Add(jobs)
	<-time.After(20 * time.Millisecond)
	pool.Stop()
	pool.Wait()
}

func Test_StopSkipsQueued(t *testing.T) {
	pool := New(1)

	release := make(chan struct{})
	var ran int32
	jobs := []Job{func() error {
		<-release
		return nil
	}}
	for i := 0; i < 5; i++ {
		jobs = append(jobs, func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}

	pool.Add(jobs)
	// the single slot is held by the blocking job; the rest are still queued
	<-time.After(20 * time.Millisecond)
	pool.Stop()
	close(release)
	require.NoError(t, pool.Wait())
	require.EqualValues(t, 0, ran, "queued jobs must not run after Stop")
}
