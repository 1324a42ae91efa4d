package merge_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sinbad-tools/foldersync/item"
	"github.com/sinbad-tools/foldersync/manifest"
	"github.com/sinbad-tools/foldersync/merge"
)

func mustManifest(items ...item.FileItem) *manifest.Manifest {
	m, err := manifest.FromSlice(items)
	Expect(err).NotTo(HaveOccurred())
	return m
}

var _ = Describe("Merge", func() {
	a := item.FileItem{Path: "a.txt", Checksum: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Size: 1}
	aChanged := item.FileItem{Path: "a.txt", Checksum: "1111111111111111111111111111111111111a", Size: 5}
	b := item.FileItem{Path: "b.txt", Checksum: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Size: 2}
	c := item.FileItem{Path: "c.txt", Checksum: "cccccccccccccccccccccccccccccccccccccccc", Size: 3}
	serverConflict := item.FileItem{Path: "a.txt", Checksum: "2222222222222222222222222222222222222a", Size: 9}

	Context("invariant: trivial no-change case", func() {
		It("returns old unchanged and no conflicts when client == server == old", func() {
			old := mustManifest(a, b)
			client := mustManifest(a, b)
			server := mustManifest(a, b)

			res := merge.Merge(old, client, server)

			Expect(res.New.Equal(old)).To(BeTrue())
			Expect(res.Conflicts).To(BeEmpty())
		})
	})

	Context("invariant: mtime is ignored", func() {
		It("is unaffected by perturbing only Mtime on any input", func() {
			aMtime := a
			aMtime.Mtime = 12345
			aMtime.HasMtime = true

			old := mustManifest(a, b)
			client := mustManifest(aMtime, b)
			server := mustManifest(a, b)

			res := merge.Merge(old, client, server)
			Expect(res.New.Equal(old)).To(BeTrue())
			Expect(res.Conflicts).To(BeEmpty())
		})
	})

	Context("path not in old", func() {
		It("takes the server item when only the server added a path (seed scenario c)", func() {
			old := mustManifest(a)
			client := mustManifest(a)
			server := mustManifest(a, c)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("c.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(c))
			Expect(res.Conflicts).To(BeEmpty())
		})

		It("takes the client item when only the client added a path", func() {
			old := mustManifest(a)
			client := mustManifest(a, b)
			server := mustManifest(a)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("b.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(b))
			Expect(res.Conflicts).To(BeEmpty())
		})

		It("conflicts when both sides add the same path with different content", func() {
			clientNew := item.FileItem{Path: "d.txt", Checksum: "3333333333333333333333333333333333333d", Size: 1}
			serverNew := item.FileItem{Path: "d.txt", Checksum: "4444444444444444444444444444444444444d", Size: 2}
			old := mustManifest()
			client := mustManifest(clientNew)
			server := mustManifest(serverNew)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("d.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(clientNew))
			Expect(res.Conflicts).To(ConsistOf(serverNew))
		})
	})

	Context("path in old", func() {
		It("drops a path removed on the server while client is unchanged (seed scenario e)", func() {
			old := mustManifest(a, b)
			client := mustManifest(a, b)
			server := mustManifest(a)

			res := merge.Merge(old, client, server)
			_, ok := res.New.Get("b.txt")
			Expect(ok).To(BeFalse())
			Expect(res.Conflicts).To(BeEmpty())
		})

		It("takes the server's change when client is unchanged but server changed", func() {
			old := mustManifest(a)
			client := mustManifest(a)
			server := mustManifest(aChanged)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("a.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(aChanged))
			Expect(res.Conflicts).To(BeEmpty())
		})

		It("drops a path removed on the client when server is unchanged", func() {
			old := mustManifest(a)
			client := mustManifest()
			server := mustManifest(a)

			res := merge.Merge(old, client, server)
			_, ok := res.New.Get("a.txt")
			Expect(ok).To(BeFalse())
		})

		It("drops a path removed on both sides", func() {
			old := mustManifest(a)
			client := mustManifest()
			server := mustManifest()

			res := merge.Merge(old, client, server)
			Expect(res.New.Len()).To(Equal(0))
		})

		It("takes the server's change when client removed but server changed", func() {
			old := mustManifest(a)
			client := mustManifest()
			server := mustManifest(aChanged)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("a.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(aChanged))
		})

		It("takes the client's change when server is unchanged", func() {
			old := mustManifest(a)
			client := mustManifest(aChanged)
			server := mustManifest(a)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("a.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(aChanged))
		})

		It("takes the client's change when server deleted (client wins over server delete)", func() {
			old := mustManifest(a)
			client := mustManifest(aChanged)
			server := mustManifest()

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("a.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(aChanged))
		})

		It("conflicts when both sides changed the same path (seed scenario d)", func() {
			old := mustManifest(a)
			client := mustManifest(aChanged)
			server := mustManifest(serverConflict)

			res := merge.Merge(old, client, server)
			got, ok := res.New.Get("a.txt")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(aChanged))
			Expect(res.Conflicts).To(ConsistOf(serverConflict))
		})
	})
})
