package registry_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/adamwdraper/the-narrator/internal/contentstore"
	"github.com/adamwdraper/the-narrator/internal/model"
	"github.com/adamwdraper/the-narrator/internal/registry"
	"github.com/adamwdraper/the-narrator/internal/service"
	"github.com/adamwdraper/the-narrator/internal/store"
)

var _ = Describe("Registry", func() {
	var (
		reg     *registry.Registry
		threads service.ThreadService
		files   *contentstore.LocalStore
	)

	BeforeEach(func() {
		reg = registry.New()

		var err error
		files, err = contentstore.NewLocalStore(contentstore.Config{
			BasePath:       GinkgoT().TempDir(),
			MaxFileSize:    1 << 20,
			MaxStorageSize: 1 << 22,
		})
		Expect(err).NotTo(HaveOccurred())

		threads = service.NewThreadService(store.NewMemoryStore(), files, nil, nil)
	})

	AfterEach(func() {
		Expect(reg.Close()).To(Succeed())
	})

	It("should resolve stores by name and fall back to the default name", func() {
		Expect(reg.RegisterThreadStore("", threads)).To(Succeed())
		Expect(reg.RegisterFileStore("primary", files)).To(Succeed())

		got, err := reg.ThreadStore(registry.DefaultName)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(threads))

		gotFiles, err := reg.FileStore("primary")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotFiles).To(BeIdenticalTo(files))

		Expect(reg.ThreadStoreNames()).To(Equal([]string{registry.DefaultName}))
		Expect(reg.FileStoreNames()).To(Equal([]string{"primary"}))
	})

	It("should return ErrNotFound for unknown names", func() {
		_, err := reg.ThreadStore("nope")
		Expect(errors.Is(err, model.ErrNotFound)).To(BeTrue())

		_, err = reg.FileStore("")
		Expect(errors.Is(err, model.ErrNotFound)).To(BeTrue())
		Expect(files.Close()).To(Succeed())
	})

	It("should reject duplicate names", func() {
		Expect(reg.RegisterThreadStore("a", threads)).To(Succeed())
		err := reg.RegisterThreadStore("a", threads)
		Expect(errors.Is(err, model.ErrConflict)).To(BeTrue())
		Expect(files.Close()).To(Succeed())
	})

	It("should reject nil stores", func() {
		err := reg.RegisterFileStore("x", nil)
		Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())
		Expect(files.Close()).To(Succeed())
	})

	It("should reject typed nil stores", func() {
		var noFiles *contentstore.LocalStore
		err := reg.RegisterFileStore("x", noFiles)
		Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())

		var noThreads *nilThreadService
		err = reg.RegisterThreadStore("y", noThreads)
		Expect(errors.Is(err, model.ErrValidation)).To(BeTrue())

		Expect(reg.FileStoreNames()).To(BeEmpty())
		Expect(reg.ThreadStoreNames()).To(BeEmpty())
		Expect(files.Close()).To(Succeed())
	})

	It("should run close hooks after the stores registered later", func() {
		var order []string
		reg.OnClose(func() error {
			order = append(order, "client")
			return nil
		})
		Expect(reg.RegisterThreadStore("", threads)).To(Succeed())
		reg.OnClose(func() error {
			order = append(order, "last")
			return errors.New("hook failed")
		})

		err := reg.Close()
		Expect(err).To(MatchError(ContainSubstring("hook failed")))
		Expect(order).To(Equal([]string{"last", "client"}))
		Expect(reg.ThreadStoreNames()).To(BeEmpty())
		Expect(files.Close()).To(Succeed())
	})

	It("should share one store between lookups", func() {
		Expect(reg.RegisterThreadStore("", threads)).To(Succeed())
		Expect(reg.RegisterFileStore("", files)).To(Succeed())

		ctx := context.Background()
		thread := model.NewThread("shared")
		msg, err := model.NewMessage(model.RoleUser, model.Text("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(thread.AddMessage(msg, false)).To(Succeed())

		a, _ := reg.ThreadStore("")
		_, err = a.Save(ctx, thread)
		Expect(err).NotTo(HaveOccurred())

		b, _ := reg.ThreadStore("")
		loaded, err := b.Get(ctx, thread.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).NotTo(BeNil())
		Expect(loaded.Title).To(Equal("shared"))
	})
})

// nilThreadService lets a test hold a typed nil service.ThreadService.
type nilThreadService struct {
	service.ThreadService
}
