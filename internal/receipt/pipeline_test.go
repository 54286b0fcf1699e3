package receipt

import (
	"context"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zapfinance/receipts/internal/notify"
	"github.com/zapfinance/receipts/internal/scanning"
	"github.com/zapfinance/receipts/internal/whatsapp"
)

const padariaJSON = `Here is the result: {"valor_total":"45,90","estabelecimento":"Padaria Sol","categoria":"Alimentação"} Thanks!`

var jpegData = []byte("\xff\xd8\xff\xe0fake jpeg data")

var _ = Describe("Pipeline", func() {
	var (
		db        *mockDB
		storage   *mockStorage
		extractor *mockExtractor
		vision    scanning.VisionExtractor
		fetcher   *mockFetcher
		notifier  *mockNotifier
		timeSrc   *mockTimeSource
		category  string
		pipeline  *Pipeline
		ctx       context.Context
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = &mockExtractor{imageText: padariaJSON}
		vision = nil
		fetcher = &mockFetcher{data: jpegData}
		notifier = &mockNotifier{}
		timeSrc = &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 500, time.UTC)}
		category = ""
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		pipeline = NewPipeline(PipelineDeps{
			DB:              db,
			Storage:         storage,
			Extractor:       extractor,
			Vision:          vision,
			Fetcher:         fetcher,
			Notifier:        notifier,
			IDGenerator:     &sequenceIDGenerator{},
			TimeSource:      timeSrc,
			DefaultCategory: category,
			Logger:          discardLogger(),
		})
	})

	Describe("Upload", func() {
		var (
			req     UploadRequest
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			req = UploadRequest{
				OwnerID:  "owner-1",
				FileName: "receipt.jpg",
				MIMEType: "image/jpeg",
				Data:     jpegData,
			}
		})

		JustBeforeEach(func() {
			receipt, err = pipeline.Upload(ctx, req)
		})

		When("the analysis succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should fill the record from the analysis", func() {
				Expect(receipt.ID).To(Equal("id-1"))
				Expect(receipt.OwnerID).To(Equal("owner-1"))
				Expect(receipt.Description).To(Equal("Padaria Sol"))
				Expect(receipt.Amount.Equal(decimal.RequireFromString("45.90"))).To(BeTrue())
				Expect(receipt.Category).To(Equal("Alimentação"))
				Expect(receipt.MIMEType).To(Equal("image/jpeg"))
				Expect(receipt.Active).To(BeTrue())
				Expect(receipt.UpdatedAt).To(BeNil())
			})

			It("should stamp the upload time in UTC seconds", func() {
				Expect(receipt.UploadedAt).To(Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)))
			})

			It("should store the image and the record", func() {
				Expect(receipt.StoragePath).To(Equal("id-1_receipt.jpg"))
				Expect(storage.files).To(HaveKeyWithValue("id-1_receipt.jpg", jpegData))
				Expect(db.receipts).To(HaveKey("id-1"))
			})
		})

		When("hints are provided", func() {
			BeforeEach(func() {
				amount := decimal.RequireFromString("10.00")
				req.Description = "Almoço"
				req.Amount = &amount
				req.Category = "Restaurante"
			})

			It("should prefer the hints", func() {
				Expect(receipt.Description).To(Equal("Almoço"))
				Expect(receipt.Amount.Equal(decimal.NewFromInt(10))).To(BeTrue())
				Expect(receipt.Category).To(Equal("Restaurante"))
			})
		})

		When("the MIME type is application/pdf", func() {
			BeforeEach(func() {
				req.MIMEType = "application/pdf"
				req.FileName = "receipt.pdf"
			})

			It("should reject with ErrUnsupportedMediaType before any external call", func() {
				Expect(err).To(MatchError(ErrUnsupportedMediaType))
				Expect(extractor.imageCalls).To(Equal(0))
				Expect(storage.files).To(BeEmpty())
				Expect(db.count()).To(Equal(0))
			})
		})

		When("the owner is missing", func() {
			BeforeEach(func() {
				req.OwnerID = ""
			})

			It("should return ErrInvalidInput", func() {
				Expect(err).To(MatchError(ErrInvalidInput))
				Expect(extractor.imageCalls).To(Equal(0))
			})
		})

		When("the amount hint is negative", func() {
			BeforeEach(func() {
				amount := decimal.NewFromInt(-1)
				req.Amount = &amount
			})

			It("should return ErrInvalidInput", func() {
				Expect(err).To(MatchError(ErrInvalidInput))
			})
		})

		When("the extraction endpoint returns 503", func() {
			BeforeEach(func() {
				extractor.imageErr = &scanning.ExtractionAPIError{Provider: "gemini", StatusCode: http.StatusServiceUnavailable}
			})

			It("should fail with ExtractionAPIError carrying the status", func() {
				var apiErr *scanning.ExtractionAPIError
				Expect(errors.As(err, &apiErr)).To(BeTrue())
				Expect(apiErr.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})

			It("should not persist anything", func() {
				Expect(db.count()).To(Equal(0))
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("no extraction credential is configured", func() {
			BeforeEach(func() {
				extractor.imageErr = scanning.ErrExtractionUnavailable
			})

			It("should return ErrExtractionUnavailable", func() {
				Expect(err).To(MatchError(scanning.ErrExtractionUnavailable))
			})
		})

		When("the extractor returns unparseable text", func() {
			BeforeEach(func() {
				extractor.imageText = "I cannot read this receipt, sorry."
			})

			It("should still create a record with defaults", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.Description).To(Equal("Recibo"))
				Expect(receipt.Amount.IsZero()).To(BeTrue())
				Expect(receipt.Category).To(Equal("Geral"))
				Expect(db.receipts).To(HaveKey(receipt.ID))
			})

			When("a default category is configured", func() {
				BeforeEach(func() {
					category = "General"
				})

				It("should use it", func() {
					Expect(receipt.Category).To(Equal("General"))
				})
			})

			When("OCR is available", func() {
				var v *mockVision

				BeforeEach(func() {
					v = &mockVision{text: "PADARIA SOL TOTAL 12,00", ok: true}
					vision = v
					extractor.textText = `{"valor_total":"12,00","estabelecimento":"Padaria Sol"}`
				})

				It("should analyze the OCR text instead", func() {
					Expect(v.calls).To(Equal(1))
					Expect(extractor.textCalls).To(Equal(1))
					Expect(receipt.Description).To(Equal("Padaria Sol"))
					Expect(receipt.Amount.Equal(decimal.NewFromInt(12))).To(BeTrue())
				})
			})

			When("OCR fails", func() {
				BeforeEach(func() {
					vision = &mockVision{ok: false}
				})

				It("should keep the defaults without a text extraction", func() {
					Expect(extractor.textCalls).To(Equal(0))
					Expect(receipt.Description).To(Equal("Recibo"))
				})
			})
		})

		When("OCR is available but the image analysis succeeds", func() {
			var v *mockVision

			BeforeEach(func() {
				v = &mockVision{text: "ignored", ok: true}
				vision = v
			})

			It("should not run OCR", func() {
				Expect(v.calls).To(Equal(0))
			})
		})

		When("the database write fails", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("disk full")
			})

			It("should return ErrPersistence", func() {
				Expect(err).To(MatchError(ErrPersistence))
			})

			It("should remove the stored image", func() {
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("the image cannot be stored", func() {
			BeforeEach(func() {
				storage.saveErr = errors.New("bucket missing")
			})

			It("should return ErrPersistence without writing the record", func() {
				Expect(err).To(MatchError(ErrPersistence))
				Expect(db.saveCalls).To(Equal(0))
			})
		})

		When("the run is cancelled during extraction", func() {
			BeforeEach(func() {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(context.Background())
				extractor.onImage = cancel
			})

			It("should not persist a partial record", func() {
				Expect(err).To(MatchError(context.Canceled))
				Expect(db.count()).To(Equal(0))
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("the file name is noisy", func() {
			BeforeEach(func() {
				req.FileName = "IMG_2024 (1) @#$%.JPG"
			})

			It("should sanitize it", func() {
				Expect(receipt.FileName).To(Equal("IMG_2024 1.jpg"))
			})
		})
	})

	Describe("ProcessImageMessage", func() {
		var (
			msg ImageMessage
			ok  bool
		)

		BeforeEach(func() {
			msg = ImageMessage{
				ChannelAddress: "+55 11 99999-0000",
				MediaRef:       "media-1",
				MIMEType:       "image/jpeg",
			}
		})

		JustBeforeEach(func() {
			ok = pipeline.ProcessImageMessage(ctx, msg)
		})

		When("every stage succeeds", func() {
			It("should report success", func() {
				Expect(ok).To(BeTrue())
			})

			It("should send the formatted analysis", func() {
				Expect(notifier.bodies()).To(Equal([]string{notify.Format(scanning.Parse(padariaJSON))}))
				Expect(notifier.sent[0].to).To(Equal("+55 11 99999-0000"))
			})

			It("should create the directory entry with placeholders", func() {
				user := db.users["+55 11 99999-0000"]
				Expect(user).NotTo(BeNil())
				Expect(user.Name).To(Equal("Usuário WhatsApp +55 11 99999-0000"))
				Expect(user.Email).To(Equal("whatsapp_5511999990000@zapfinance.com"))
				Expect(user.Document).To(Equal("5511999990000"))
				Expect(user.Active).To(BeTrue())
			})

			It("should store a record owned by the user", func() {
				record := db.receipts["id-2"]
				Expect(record).NotTo(BeNil())
				Expect(record.OwnerID).To(Equal("id-1"))
				Expect(record.FileName).To(Equal("whatsapp_20240115_100000.jpg"))
				Expect(record.StoragePath).To(Equal("whatsapp/id-2.jpg"))
				Expect(record.Description).To(Equal("Padaria Sol"))
			})
		})

		When("the sender writes again", func() {
			It("should reuse the directory entry", func() {
				Expect(pipeline.ProcessImageMessage(ctx, msg)).To(BeTrue())
				Expect(db.users).To(HaveLen(1))
				owners := map[string]bool{}
				for _, r := range db.receipts {
					owners[r.OwnerID] = true
				}
				Expect(owners).To(HaveLen(1))
			})
		})

		When("the image has a caption", func() {
			BeforeEach(func() {
				msg.Caption = "Café da manhã"
			})

			It("should use it as the description", func() {
				Expect(db.receipts["id-2"].Description).To(Equal("Café da manhã"))
			})
		})

		When("the media cannot be fetched", func() {
			BeforeEach(func() {
				fetcher.fetchErr = whatsapp.ErrMediaDownloadFailed
			})

			It("should send the download failure message only", func() {
				Expect(ok).To(BeFalse())
				Expect(notifier.bodies()).To(Equal([]string{notify.MsgDownloadFailed}))
				Expect(extractor.imageCalls).To(Equal(0))
				Expect(db.count()).To(Equal(0))
			})
		})

		When("the extraction endpoint returns 503", func() {
			BeforeEach(func() {
				extractor.imageErr = &scanning.ExtractionAPIError{Provider: "gemini", StatusCode: http.StatusServiceUnavailable}
			})

			It("should send the unreadable receipt message and persist nothing", func() {
				Expect(ok).To(BeFalse())
				Expect(notifier.bodies()).To(Equal([]string{notify.MsgUnreadable}))
				Expect(db.count()).To(Equal(0))
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("the extractor output cannot be parsed", func() {
			BeforeEach(func() {
				extractor.imageText = "no json here"
			})

			It("should send the unreadable receipt message and persist nothing", func() {
				Expect(ok).To(BeFalse())
				Expect(notifier.bodies()).To(Equal([]string{notify.MsgUnreadable}))
				Expect(db.count()).To(Equal(0))
			})
		})

		When("no extraction credential is configured", func() {
			BeforeEach(func() {
				extractor.imageErr = scanning.ErrExtractionUnavailable
			})

			It("should send the internal failure message", func() {
				Expect(ok).To(BeFalse())
				Expect(notifier.bodies()).To(Equal([]string{notify.MsgInternalError}))
			})
		})

		When("the record cannot be saved", func() {
			BeforeEach(func() {
				db.saveErr = errors.New("connection reset")
			})

			It("should send the internal failure message and clean up", func() {
				Expect(ok).To(BeFalse())
				Expect(notifier.bodies()).To(Equal([]string{notify.MsgInternalError}))
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("the directory lookup fails", func() {
			BeforeEach(func() {
				db.userErr = errors.New("connection refused")
			})

			It("should stop before fetching media", func() {
				Expect(ok).To(BeFalse())
				Expect(fetcher.calls).To(Equal(0))
				Expect(notifier.bodies()).To(Equal([]string{notify.MsgInternalError}))
			})
		})

		When("the reply cannot be sent", func() {
			BeforeEach(func() {
				notifier.sendErr = whatsapp.ErrSendFailed
			})

			It("should still report the stored receipt", func() {
				Expect(ok).To(BeTrue())
				Expect(notifier.sent).To(HaveLen(1))
			})
		})
	})

	Describe("HandleMessage", func() {
		It("should answer greetings", func() {
			pipeline.HandleMessage(ctx, whatsapp.Message{From: "5511", Type: "text", Text: &whatsapp.TextContent{Body: "Oi"}})
			Expect(notifier.bodies()).To(Equal([]string{notify.MsgWelcome}))
		})

		It("should acknowledge and process images", func() {
			pipeline.HandleMessage(ctx, whatsapp.Message{From: "5511", Type: "image", Image: &whatsapp.ImageContent{ID: "media-1", MimeType: "image/jpeg"}})
			Expect(notifier.bodies()).To(HaveLen(2))
			Expect(notifier.bodies()[0]).To(Equal(notify.MsgAnalyzing))
			Expect(notifier.bodies()[1]).To(ContainSubstring("Padaria Sol"))
			Expect(db.count()).To(Equal(1))
		})

		It("should process images even when the caller's context is gone", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			pipeline.HandleMessage(cancelled, whatsapp.Message{From: "5511", Type: "image", Image: &whatsapp.ImageContent{ID: "media-1"}})
			Expect(db.count()).To(Equal(1))
		})

		It("should prompt for a photo on other message types", func() {
			pipeline.HandleMessage(ctx, whatsapp.Message{From: "5511", Type: "audio"})
			Expect(notifier.bodies()).To(Equal([]string{notify.MsgUnsupportedType}))
		})
	})

	Describe("buildRecord", func() {
		It("should ignore the fields of an unsuccessful analysis", func() {
			amount := decimal.NewFromInt(99)
			record := pipeline.buildRecord("id", "owner", "f.jpg", "image/jpeg", scanning.ReceiptAnalysis{
				Successful:   false,
				Amount:       &amount,
				Category:     "Mercado",
				MerchantName: "Loja",
			}, hints{}, uploadPlaceholder)

			Expect(record.Amount.IsZero()).To(BeTrue())
			Expect(record.Category).To(Equal(DefaultCategory))
			Expect(record.Description).To(Equal(uploadPlaceholder))
		})
	})
})
