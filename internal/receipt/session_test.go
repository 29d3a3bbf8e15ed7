package receipt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func candidate(id, name string) Candidate {
	return Candidate{ID: id, Name: name, Status: StatusIdle, PreviewRef: "ref-" + id}
}

// previewsFor allocates mock previews matching the refs candidate() uses
func previewsFor(previews *mockPreviews, ids ...string) {
	for _, id := range ids {
		previews.live["ref-"+id] = []byte(id)
	}
}

var _ = Describe("Session", func() {
	var (
		previews *mockPreviews
		session  *Session
	)

	BeforeEach(func() {
		previews = newMockPreviews()
		previewsFor(previews, "1", "2", "3", "4", "5")
		session = NewSession(3, previews)
	})

	Describe("Add", func() {
		var (
			added   []Candidate
			skipped []Skipped
		)

		When("the session is empty", func() {
			BeforeEach(func() {
				added, skipped = session.Add([]Candidate{candidate("1", "a.jpg"), candidate("2", "b.jpg")})
			})

			It("should add the batch in order", func() {
				Expect(added).To(HaveLen(2))
				Expect(session.Names()).To(Equal([]string{"a.jpg", "b.jpg"}))
			})

			It("should select the first added candidate", func() {
				Expect(session.Selected()).To(Equal("1"))
			})
		})

		When("the session has candidates", func() {
			BeforeEach(func() {
				session.Add([]Candidate{candidate("1", "a.jpg")})
				session.Select("1")
				added, skipped = session.Add([]Candidate{candidate("2", "b.jpg")})
			})

			It("should prepend the new batch", func() {
				Expect(session.Names()).To(Equal([]string{"b.jpg", "a.jpg"}))
			})

			It("should keep the selection", func() {
				Expect(session.Selected()).To(Equal("1"))
			})
		})

		When("the batch is larger than the remaining capacity", func() {
			BeforeEach(func() {
				session.Add([]Candidate{candidate("1", "a.jpg")})
				added, skipped = session.Add([]Candidate{candidate("2", "b.jpg"), candidate("3", "c.jpg"), candidate("4", "d.jpg")})
			})

			It("should truncate to capacity", func() {
				Expect(added).To(HaveLen(2))
				Expect(session.Len()).To(Equal(3))
				Expect(session.Remaining()).To(BeZero())
			})

			It("should release the dropped candidate's preview", func() {
				Expect(skipped).To(ConsistOf(HaveField("Name", "d.jpg")))
				Expect(previews.live).NotTo(HaveKey("ref-4"))
				Expect(previews.released).To(Equal(1))
			})
		})

		When("a name is already present", func() {
			BeforeEach(func() {
				session.Add([]Candidate{candidate("1", "a.jpg")})
				added, skipped = session.Add([]Candidate{candidate("2", "a.jpg")})
			})

			It("should drop the duplicate", func() {
				Expect(added).To(BeEmpty())
				Expect(skipped).To(HaveLen(1))
				Expect(previews.live).NotTo(HaveKey("ref-2"))
			})
		})
	})

	Describe("Remove", func() {
		BeforeEach(func() {
			session.Add([]Candidate{candidate("1", "a.jpg"), candidate("2", "b.jpg"), candidate("3", "c.jpg")})
		})

		When("the selected candidate is removed", func() {
			BeforeEach(func() {
				session.Select("2")
				Expect(session.Remove("2")).To(BeTrue())
			})

			It("should select the first remaining candidate", func() {
				Expect(session.Selected()).To(Equal("1"))
			})

			It("should release its preview once", func() {
				Expect(previews.live).NotTo(HaveKey("ref-2"))
				Expect(previews.released).To(Equal(1))
			})
		})

		When("another candidate is removed", func() {
			BeforeEach(func() {
				session.Select("3")
				session.Remove("1")
			})

			It("should keep the selection", func() {
				Expect(session.Selected()).To(Equal("3"))
			})
		})

		When("the last candidate is removed", func() {
			BeforeEach(func() {
				session.Remove("1")
				session.Remove("2")
				session.Remove("3")
			})

			It("should clear the selection", func() {
				Expect(session.Selected()).To(BeEmpty())
				Expect(session.Len()).To(BeZero())
			})
		})

		When("the id is unknown", func() {
			It("should do nothing", func() {
				Expect(session.Remove("9")).To(BeFalse())
				Expect(session.Len()).To(Equal(3))
				Expect(previews.released).To(BeZero())
			})
		})

		When("removed twice", func() {
			It("should release only once", func() {
				Expect(session.Remove("1")).To(BeTrue())
				Expect(session.Remove("1")).To(BeFalse())
				Expect(previews.released).To(Equal(1))
				Expect(previews.doubled).To(BeZero())
			})
		})
	})

	Describe("Clear", func() {
		BeforeEach(func() {
			session.Add([]Candidate{candidate("1", "a.jpg"), candidate("2", "b.jpg")})
		})

		It("should release every preview and empty the session", func() {
			Expect(session.Clear()).To(Equal(2))
			Expect(session.Candidates()).To(BeEmpty())
			Expect(session.Selected()).To(BeEmpty())
			Expect(previews.released).To(Equal(2))
		})

		It("should allow adding again", func() {
			session.Clear()
			added, _ := session.Add([]Candidate{candidate("3", "a.jpg")})
			Expect(added).To(HaveLen(1))
			Expect(session.Selected()).To(Equal("3"))
		})
	})

	Describe("Select", func() {
		BeforeEach(func() {
			session.Add([]Candidate{candidate("1", "a.jpg"), candidate("2", "b.jpg")})
		})

		It("should select a present candidate", func() {
			Expect(session.Select("2")).To(BeTrue())
			Expect(session.Selected()).To(Equal("2"))
		})

		It("should ignore an absent candidate", func() {
			Expect(session.Select("9")).To(BeFalse())
			Expect(session.Selected()).To(Equal("1"))
		})
	})

	Describe("SetStatus", func() {
		BeforeEach(func() {
			session.Add([]Candidate{candidate("1", "a.jpg")})
		})

		It("should record status and error", func() {
			Expect(session.SetStatus("1", StatusFailed, "status 403")).To(BeTrue())
			c, ok := session.Get("1")
			Expect(ok).To(BeTrue())
			Expect(c.Status).To(Equal(StatusFailed))
			Expect(c.Error).To(Equal("status 403"))
		})

		It("should ignore unknown ids", func() {
			Expect(session.SetStatus("9", StatusUploaded, "")).To(BeFalse())
		})
	})

	Describe("Candidates", func() {
		It("should return a copy", func() {
			session.Add([]Candidate{candidate("1", "a.jpg")})
			list := session.Candidates()
			list[0].Name = "changed.jpg"
			Expect(session.Names()).To(Equal([]string{"a.jpg"}))
		})
	})
})
