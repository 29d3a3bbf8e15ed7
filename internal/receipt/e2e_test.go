package receipt_test

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-scanner/internal/gateway"
	"github.com/zombor/receipt-scanner/internal/imaging"
	"github.com/zombor/receipt-scanner/internal/receipt"
)

var _ = Describe("Scanning a batch end to end", func() {
	var (
		conns    chan *websocket.Conn
		gw       *httptest.Server
		storage  *ghttp.Server
		previews *receipt.BoltPreviews
		service  *receipt.Service
		cancel   context.CancelFunc
		runDone  chan error

		mu       sync.Mutex
		uploaded map[string]string // file name -> file id header
	)

	BeforeEach(func() {
		conns = make(chan *websocket.Conn, 1)
		upgrader := websocket.Upgrader{}
		gw = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conns <- conn
		}))

		uploaded = make(map[string]string)
		storage = ghttp.NewServer()
		storage.RouteToHandler("PUT", regexp.MustCompile(`/uploads/.*`), ghttp.CombineHandlers(
			ghttp.VerifyHeaderKV(gateway.HeaderConnectionID, "conn-42"),
			func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				mu.Lock()
				uploaded[strings.TrimPrefix(r.URL.Path, "/uploads/")] = r.Header.Get(gateway.HeaderFileID)
				mu.Unlock()
			},
			ghttp.RespondWith(http.StatusOK, nil),
		))

		var err error
		previews, err = receipt.NewBoltPreviews(filepath.Join(GinkgoT().TempDir(), "previews.db"))
		Expect(err).NotTo(HaveOccurred())

		url := "ws" + strings.TrimPrefix(gw.URL, "http")
		decode := func(r io.Reader) (image.Image, error) {
			return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
		}
		service = receipt.NewService(receipt.Deps{
			Previews:   previews,
			Normalizer: imaging.NewNormalizerWithDecoder(2, decode),
			Uploader:   gateway.NewUploader(nil),
			Dial: func(ctx context.Context) (receipt.Channel, error) {
				ch, err := gateway.Dial(ctx, url, gateway.Options{WriteTimeout: time.Second})
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			RenderPDF: func(b []byte) ([]byte, error) { return b, nil },
		})
		Expect(service.Connect(context.Background())).To(Succeed())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		runDone = make(chan error, 1)
		go func() {
			runDone <- service.Run(ctx)
		}()
	})

	AfterEach(func() {
		service.Close()
		cancel()
		Eventually(runDone).Should(Receive())
		service.Reset()
		previews.Close()
		storage.Close()
		gw.Close()
	})

	It("matches every result to its original file regardless of arrival order", func() {
		var conn *websocket.Conn
		Eventually(conns).Should(Receive(&conn))
		defer conn.Close()

		report, err := service.AddFiles(context.Background(), []imaging.File{
			{Name: "a.jpg", ContentType: "image/jpeg", Data: []byte("\xff\xd8\xff\xe0 jpeg a")},
			{Name: "b.heic", ContentType: "image/heic", Data: []byte("heic b")},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Skipped).To(BeEmpty())
		Expect(report.Added).To(HaveLen(2))

		ids := map[string]string{}
		for _, c := range service.Snapshot().Candidates {
			ids[c.Name] = c.ID
		}
		Expect(ids).To(HaveKey("a.jpg"))
		Expect(ids).To(HaveKey("b.jpg"))

		Expect(service.Submit(context.Background())).To(Succeed())

		_, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		var intent gateway.UploadIntent
		Expect(json.Unmarshal(data, &intent)).To(Succeed())
		Expect(intent.Action).To(Equal("getPresignedUrl"))
		Expect(intent.Files).To(ConsistOf(
			HaveField("Name", "a.jpg"),
			HaveField("Name", "b.jpg"),
		))

		Expect(conn.WriteJSON(map[string]any{
			"type": "presignedUrls",
			"file_urls": map[string]string{
				"a.jpg": storage.URL() + "/uploads/a.jpg",
				"b.jpg": storage.URL() + "/uploads/b.jpg",
			},
			"connectionId": "conn-42",
		})).To(Succeed())

		Eventually(func() map[string]string {
			mu.Lock()
			defer mu.Unlock()
			out := make(map[string]string, len(uploaded))
			for k, v := range uploaded {
				out[k] = v
			}
			return out
		}).Should(Equal(map[string]string{"a.jpg": ids["a.jpg"], "b.jpg": ids["b.jpg"]}))

		extract := func(fileID, total string) map[string]any {
			return map[string]any{
				"type":   "extractText",
				"fileId": fileID,
				"body": map[string]any{
					"statusCode": 200,
					"data": []map[string]any{{
						"store_name": "Store",
						"total":      total,
						"items":      []map[string]string{{"item_name": "Thing", "price": total}},
					}},
				},
			}
		}

		Expect(conn.WriteJSON(extract(ids["b.jpg"], "$2.00"))).To(Succeed())
		Eventually(service.Results).Should(HaveLen(1))
		Expect(service.Results()[0].FileID).To(Equal(ids["b.jpg"]))

		Expect(conn.WriteJSON(extract(ids["a.jpg"], "$1.00"))).To(Succeed())
		Eventually(service.Results).Should(HaveLen(2))

		byID := map[string]int{}
		for _, r := range service.Results() {
			byID[r.FileID] = r.Total
		}
		Expect(byID).To(Equal(map[string]int{ids["a.jpg"]: 100, ids["b.jpg"]: 200}))

		Eventually(func() []receipt.UploadStatus {
			var statuses []receipt.UploadStatus
			for _, c := range service.Snapshot().Candidates {
				statuses = append(statuses, c.Status)
			}
			return statuses
		}).Should(ConsistOf(receipt.StatusUploaded, receipt.StatusUploaded))
		Expect(service.Notices()).To(BeEmpty())
	})

	It("reports a dropped gateway connection", func() {
		var conn *websocket.Conn
		Eventually(conns).Should(Receive(&conn))
		conn.Close()

		Eventually(service.Notices).Should(ContainElement(HaveField("Kind", receipt.NoticeTransport)))
		Expect(service.ConnectionState()).To(Equal(gateway.StateClosed))
	})
})
