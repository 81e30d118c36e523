package receipt

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/palbudget/internal/scanning"
)

var _ = Describe("Category", func() {
	DescribeTable("ParseCategory",
		func(in string, want Category) {
			Expect(ParseCategory(in)).To(Equal(want))
		},
		Entry("exact", "groceries", CategoryGroceries),
		Entry("any case", "Health", CategoryHealth),
		Entry("padded", "  RESTAURANT ", CategoryRestaurant),
		Entry("unknown", "Pet Supplies", OtherCategory("Pet Supplies")),
	)

	It("should give Other categories the fallback color", func() {
		c := OtherCategory("Hardware")
		Expect(c.IsOther()).To(BeTrue())
		Expect(c.Color()).To(Equal("#9E9E9E"))
		Expect(c.Description()).To(BeEmpty())
	})

	It("should list the known categories in display order", func() {
		Expect(Categories()).To(Equal([]Category{CategoryGroceries, CategoryHealth, CategoryEntertainment, CategoryRestaurant}))
		for _, c := range Categories() {
			Expect(c.IsOther()).To(BeFalse())
			Expect(c.Color()).To(HavePrefix("#"))
		}
	})

	It("should render its display attributes as JSON", func() {
		data, err := json.Marshal(CategoryEntertainment)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(MatchJSON(`{"name":"entertainment","color":"#FFC107","description":"Movies, events, games and leisure"}`))
	})

	It("should accept a bare name or the object form", func() {
		var fromName, fromObject Category
		Expect(json.Unmarshal([]byte(`"Groceries"`), &fromName)).To(Succeed())
		Expect(json.Unmarshal([]byte(`{"name":"Hardware","color":"#000000","other":true}`), &fromObject)).To(Succeed())
		Expect(fromName).To(Equal(CategoryGroceries))
		Expect(fromObject).To(Equal(OtherCategory("Hardware")))
	})
})

var _ = Describe("Status", func() {
	It("should marshal as its name", func() {
		data, err := json.Marshal(ImageWithAnalysis{Image: ImageReference{URI: "a.jpg", DateCreated: 5}, Status: StatusRejected})
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(MatchJSON(`{"image":{"uri":"a.jpg","date_created":5},"status":"rejected"}`))
	})

	It("should unmarshal names", func() {
		var img ImageWithAnalysis
		Expect(json.Unmarshal([]byte(`{"image":{"uri":"a.jpg","date_created":5},"status":"confirmed","analysis":{"items":[],"category":"health","final_price":0,"date":null}}`), &img)).To(Succeed())
		Expect(img.Status).To(Equal(StatusConfirmed))
		Expect(img.IsReceipt()).To(BeTrue())
	})

	It("rejects unknown names", func() {
		var s Status
		Expect(s.UnmarshalText([]byte("pending"))).To(MatchError(ContainSubstring("unknown status")))
	})

	It("should only treat confirmed images with an analysis as receipts", func() {
		Expect(ImageWithAnalysis{Status: StatusConfirmed}.IsReceipt()).To(BeFalse())
		Expect(ImageWithAnalysis{Status: StatusRejected}.IsReceipt()).To(BeFalse())
		Expect(ImageWithAnalysis{Status: StatusConfirmed, Analysis: groceryAnalysis()}.IsReceipt()).To(BeTrue())
	})
})

var _ = Describe("analysisFromScan", func() {
	It("should convert the analyzer result", func() {
		a := analysisFromScan(&scanning.ReceiptData{
			Items:      []scanning.LineItem{{Name: "Aspirin", Price: 499}},
			Category:   "Health",
			FinalPrice: 499,
			Date:       strPtr("2024-02-02"),
		})
		Expect(a).To(Equal(&Analysis{
			Items:      []LineItem{{Name: "Aspirin", Price: 499}},
			Category:   CategoryHealth,
			FinalPrice: 499,
			Date:       strPtr("2024-02-02"),
		}))
	})

	It("should return nil without data", func() {
		Expect(analysisFromScan(nil)).To(BeNil())
	})
})

var _ = Describe("NotificationLog", func() {
	var log *NotificationLog

	BeforeEach(func() {
		log = NewNotificationLog()
		log.timeSource = &mockTimeSource{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	})

	It("should drain notifications oldest first", func() {
		log.Info("Analyzing 2 image(s)...")
		log.Error("Analysis failed: Network error: timeout")

		Expect(log.Drain()).To(Equal([]Notification{
			{Level: LevelInfo, Message: "Analyzing 2 image(s)...", Time: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
			{Level: LevelError, Message: "Analysis failed: Network error: timeout", Time: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		}))
	})

	It("should deliver each notification once", func() {
		log.Info("hello")
		Expect(log.Drain()).To(HaveLen(1))
		Expect(log.Drain()).To(BeEmpty())
	})

	It("should return an empty list when there is nothing", func() {
		Expect(log.Drain()).NotTo(BeNil())
	})

	It("should keep only the most recent notifications", func() {
		for range 150 {
			log.Info("old")
		}
		log.Error("newest")
		drained := log.Drain()
		Expect(drained).To(HaveLen(100))
		Expect(drained[99].Message).To(Equal("newest"))
	})
})
