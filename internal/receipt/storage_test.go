package receipt

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			key       string
			data      []byte
			savedPath string
			err       error
		)

		BeforeEach(func() {
			key = "test.jpg"
			data = []byte("test file content")
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(ctx, key, data, "image/jpeg")
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the key as the path", func() {
				Expect(savedPath).To(Equal(key))
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, key)).To(BeAnExistingFile())
			})
		})

		When("the key has a directory", func() {
			BeforeEach(func() {
				key = "whatsapp/abc.jpg"
			})

			It("should create the directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, "whatsapp", "abc.jpg")).To(BeAnExistingFile())
			})
		})

		When("the key escapes the base directory", func() {
			BeforeEach(func() {
				key = "../outside.jpg"
			})

			It("should return an error", func() {
				Expect(err).To(HaveOccurred())
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.jpg")).NotTo(BeAnExistingFile())
			})
		})

		When("the context is cancelled", func() {
			BeforeEach(func() {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				cancel()
			})

			It("should not write the file", func() {
				Expect(err).To(MatchError(context.Canceled))
				Expect(filepath.Join(tmpDir, key)).NotTo(BeAnExistingFile())
			})
		})
	})

	Describe("Get", func() {
		When("file exists", func() {
			BeforeEach(func() {
				_, err := storage.Save(ctx, "whatsapp/test.jpg", []byte("content"), "image/jpeg")
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the file data", func() {
				data, err := storage.Get(ctx, "whatsapp/test.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("content")))
			})
		})

		When("file does not exist", func() {
			It("should return an error", func() {
				_, err := storage.Get(ctx, "nonexistent.jpg")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Delete", func() {
		When("file exists", func() {
			It("should remove it", func() {
				_, err := storage.Save(ctx, "test.jpg", []byte("content"), "image/jpeg")
				Expect(err).NotTo(HaveOccurred())

				Expect(storage.Delete(ctx, "test.jpg")).To(Succeed())
				Expect(filepath.Join(tmpDir, "test.jpg")).NotTo(BeAnExistingFile())
			})
		})

		When("file does not exist", func() {
			It("should return an error", func() {
				Expect(storage.Delete(ctx, "nonexistent.jpg")).NotTo(Succeed())
			})
		})
	})
})
