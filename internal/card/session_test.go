package card

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltSnapshotStore", func() {
	var store *BoltSnapshotStore

	BeforeEach(func() {
		var err error
		store, err = NewBoltSnapshotStore(filepath.Join(GinkgoT().TempDir(), "session.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("Load", func() {
		When("the slot is empty", func() {
			It("should return nil without error", func() {
				snap, err := store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(snap).To(BeNil())
			})
		})

		When("a snapshot was saved", func() {
			It("should round-trip the projection", func() {
				saved := &Snapshot{
					Tenant:     "tenant-1",
					LocationID: "loc-9",
					SavedAt:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
					Batch:      &BatchInfo{ID: "batch-1", Name: "Morning Intake"},
					Items: []SnapshotItem{
						{
							ID:               "item-a",
							Status:           StatusExtracting,
							Progress:         70,
							RecordID:         "rec-1",
							FrontFileName:    "a.jpg",
							FrontContentType: "image/png",
							FrontPreview:     "data:image/png;base64,AAAA",
						},
						{
							ID:               "item-b",
							Status:           StatusComplete,
							Progress:         100,
							RecordID:         "rec-2",
							FrontFileName:    "b.jpg",
							FrontContentType: "image/png",
						},
					},
				}
				Expect(store.Save(saved)).To(Succeed())

				loaded, err := store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(loaded).To(Equal(saved))
			})
		})

		When("a later save overwrites the slot", func() {
			It("should keep only the latest snapshot", func() {
				Expect(store.Save(&Snapshot{Tenant: "old"})).To(Succeed())
				Expect(store.Save(&Snapshot{Tenant: "new"})).To(Succeed())

				loaded, err := store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(loaded.Tenant).To(Equal("new"))
			})
		})
	})

	Describe("Clear", func() {
		It("should empty the slot", func() {
			Expect(store.Save(&Snapshot{Tenant: "tenant-1"})).To(Succeed())
			Expect(store.Clear()).To(Succeed())

			snap, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).To(BeNil())
		})
	})
})

var _ = Describe("Snapshot", func() {
	Describe("Resumable", func() {
		It("should be false for a nil snapshot", func() {
			var snap *Snapshot
			Expect(snap.Resumable()).To(BeFalse())
		})

		It("should be false when every item is terminal", func() {
			snap := &Snapshot{Items: []SnapshotItem{
				{Status: StatusComplete},
				{Status: StatusDuplicate},
				{Status: StatusFailed},
			}}
			Expect(snap.Resumable()).To(BeFalse())
		})

		It("should be true when any item was cut short", func() {
			snap := &Snapshot{Items: []SnapshotItem{
				{Status: StatusComplete},
				{Status: StatusUploading},
			}}
			Expect(snap.Resumable()).To(BeTrue())
		})
	})
})
