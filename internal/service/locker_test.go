package service_test

import (
	"context"
	"errors"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/adamwdraper/the-narrator/internal/model"
	"github.com/adamwdraper/the-narrator/internal/service"
)

var _ = Describe("LocalLocker", func() {
	It("should hand the lock to the next waiter after release", func() {
		l := service.NewLocalLocker()
		ctx := context.Background()

		release, err := l.Acquire(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())

		acquired := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			r, err := l.Acquire(ctx, "t1")
			Expect(err).NotTo(HaveOccurred())
			close(acquired)
			r()
		}()

		Consistently(acquired, 30*time.Millisecond).ShouldNot(BeClosed())
		release()
		Eventually(acquired).Should(BeClosed())
	})
})

var _ = Describe("RedisLocker with a stubbed client", func() {
	var (
		ctx    context.Context
		client *mockRedisClient
		locker *service.RedisLocker
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = newMockRedisClient()
		locker = service.NewRedisLocker(client, 30*time.Millisecond)
	})

	It("should reject a second holder with a conflict", func() {
		release, err := locker.Acquire(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())

		_, err = locker.Acquire(ctx, "t1")
		Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())

		other, err := locker.Acquire(ctx, "t2")
		Expect(err).NotTo(HaveOccurred())
		other()

		release()
		again, err := locker.Acquire(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())
		again()

		_, releases, held := client.state()
		Expect(releases).To(Equal(3))
		Expect(held).To(Equal(0))
	})

	It("should renew the lease while the save runs and stop after release", func() {
		release, err := locker.Acquire(ctx, "slow")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int {
			renewals, _, _ := client.state()
			return renewals
		}).Should(BeNumerically(">=", 2))

		release()
		renewals, _, held := client.state()
		Expect(held).To(Equal(0))
		Consistently(func() int {
			r, _, _ := client.state()
			return r
		}, 60*time.Millisecond).Should(Equal(renewals))
	})

	It("should not release a lock another holder took over", func() {
		release, err := locker.Acquire(ctx, "stolen")
		Expect(err).NotTo(HaveOccurred())

		client.steal("narrator:save-lock:stolen")
		release()

		_, releases, held := client.state()
		Expect(releases).To(Equal(0))
		Expect(held).To(Equal(1))
	})

	It("should surface redis failures as storage errors", func() {
		client.setNXErr = errors.New("connection refused")
		_, err := locker.Acquire(ctx, "t1")
		Expect(errors.Is(err, model.ErrStorage)).To(BeTrue())
	})

	It("should fail a gateway save that finds the lock busy", func() {
		store := &mockThreadStore{}
		svc := service.NewThreadService(store, nil, locker, nil)
		thread := model.NewThread("contended")

		release, err := locker.Acquire(ctx, thread.ID)
		Expect(err).NotTo(HaveOccurred())
		defer release()

		_, err = svc.Save(ctx, thread)
		Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
		Expect(store.calls()).To(Equal(0))
	})
})

var _ = Describe("RedisLocker", func() {
	var locker *service.RedisLocker

	BeforeEach(func() {
		url := os.Getenv("NARRATOR_TEST_REDIS_URL")
		if url == "" {
			Skip("NARRATOR_TEST_REDIS_URL not set")
		}
		client, err := service.NewRedisClient(context.Background(), url)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(client.Close)
		locker = service.NewRedisLocker(client, 2*time.Second)
	})

	It("should reject a second holder with a conflict", func() {
		ctx := context.Background()
		threadID := "redis-lock-" + time.Now().Format("150405.000000000")

		release, err := locker.Acquire(ctx, threadID)
		Expect(err).NotTo(HaveOccurred())

		_, err = locker.Acquire(ctx, threadID)
		Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())

		release()
		again, err := locker.Acquire(ctx, threadID)
		Expect(err).NotTo(HaveOccurred())
		again()
	})
})
