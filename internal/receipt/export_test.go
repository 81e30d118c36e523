package receipt

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("WriteXLSX", func() {
	var (
		receipts []ImageWithAnalysis
		file     *excelize.File
	)

	BeforeEach(func() {
		added := time.Date(2024, 1, 16, 9, 30, 0, 0, time.UTC).UnixMilli()
		receipts = []ImageWithAnalysis{
			{
				Image:    ImageReference{URI: "0b1c_groceries.jpg", DateCreated: added},
				Status:   StatusConfirmed,
				Analysis: groceryAnalysis(),
			},
			{
				Image:  ImageReference{URI: "pending.jpg", DateCreated: added},
				Status: StatusUnanalyzed,
			},
			{
				Image:  ImageReference{URI: "0b1c_hardware.jpg", DateCreated: added},
				Status: StatusConfirmed,
				Analysis: &Analysis{
					Items:      []LineItem{{Name: "Screws", Price: 1999}},
					Category:   ParseCategory("Hardware"),
					FinalPrice: 1999,
				},
			},
		}
	})

	JustBeforeEach(func() {
		var buf bytes.Buffer
		Expect(WriteXLSX(&buf, receipts)).To(Succeed())
		var err error
		file, err = excelize.OpenReader(&buf)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(file.Close)
	})

	It("should have a receipts sheet and an items sheet", func() {
		Expect(file.GetSheetList()).To(Equal([]string{"Receipts", "Items"}))
	})

	It("should write one row per receipt", func() {
		rows, err := file.GetRows("Receipts")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(3))
		Expect(rows[0]).To(Equal([]string{"Date", "Category", "Items", "Total", "Added", "Image"}))
		Expect(rows[1][0]).To(Equal("2024-01-15"))
		Expect(rows[1][1]).To(Equal("groceries"))
		Expect(rows[1][2]).To(Equal("2"))
		Expect(rows[1][4]).To(Equal("2024-01-16 09:30:00"))
		Expect(rows[1][5]).To(Equal("0b1c_groceries.jpg"))
		Expect(rows[2][0]).To(BeEmpty())
		Expect(rows[2][1]).To(Equal("Hardware"))
	})

	It("should write totals in currency units", func() {
		total, err := file.GetCellValue("Receipts", "D2", excelize.Options{RawCellValue: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal("7.49"))
	})

	It("should write one row per line item", func() {
		rows, err := file.GetRows("Items")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(4))
		Expect(rows[1][:2]).To(Equal([]string{"0b1c_groceries.jpg", "Milk"}))
		Expect(rows[2][:2]).To(Equal([]string{"0b1c_groceries.jpg", "Bread"}))
		Expect(rows[3][:2]).To(Equal([]string{"0b1c_hardware.jpg", "Screws"}))

		price, err := file.GetCellValue("Items", "C4", excelize.Options{RawCellValue: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(price).To(Equal("19.99"))
	})

	When("there are no receipts", func() {
		BeforeEach(func() {
			receipts = nil
		})

		It("should only write the headers", func() {
			rows, err := file.GetRows("Receipts")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
		})
	})
})
