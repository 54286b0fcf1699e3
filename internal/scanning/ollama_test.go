package scanning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor = NewOllama(server.URL(), "llava", 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	AfterEach(func() {
		server.Close()
	})

	When("the server replies", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyJSONRepresenting(map[string]any{
					"model":  "llava",
					"stream": false,
					"messages": []any{
						map[string]any{"role": "system", "content": ollamaSystemPrompt},
						map[string]any{"role": "user", "content": receiptTextPrompt("TOTAL 10,00")},
					},
					"options": map[string]any{
						"temperature": 0.1,
						"top_k":       1,
						"top_p":       1.0,
						"num_predict": 2048,
					},
				}),
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"message": map[string]any{"role": "assistant", "content": `{"valor_total":"10,00"}`},
					"done":    true,
				}),
			))
		})

		It("should return the message content", func() {
			text, err := extractor.AnalyzeText(context.Background(), "TOTAL 10,00")
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"valor_total":"10,00"}`))
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("should return an ExtractionAPIError", func() {
			_, err := extractor.AnalyzeImage(context.Background(), []byte("img"), "image/png")
			var apiErr *ExtractionAPIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Provider).To(Equal("ollama"))
			Expect(apiErr.StatusCode).To(Equal(http.StatusInternalServerError))
		})
	})
})
