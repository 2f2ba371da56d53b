package autoscaler

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/volumania/volumania/internal/quantity"
)

var _ = Describe("Merge", func() {
	var local, remote Policy

	BeforeEach(func() {
		local = testPolicy()
		remote = testPolicy()
		remote.ID = ClusterPolicyID(remote.Namespace, remote.Name)
		remote.Origin = ""
	})

	It("keeps one entry per key with the local id", func() {
		merged := Merge([]Policy{local}, []Policy{remote})
		Expect(merged).To(HaveLen(1))
		Expect(merged[0].ID).To(Equal(local.ID))
		Expect(merged[0].Origin).To(Equal(OriginAPI))
	})

	It("lists local records before cluster-only ones", func() {
		remote.Name = "zz"
		remote.ID = ClusterPolicyID(remote.Namespace, remote.Name)
		other := testPolicy()
		other.ID = "policy-2"
		other.Name = "aa"
		merged := Merge([]Policy{local, other}, []Policy{remote})
		Expect(merged).To(HaveLen(3))
		Expect([]string{merged[0].ID, merged[1].ID, merged[2].ID}).To(Equal([]string{"policy-1", "policy-2", "k8s-default-zz"}))
	})

	It("takes status from the cluster when reported", func() {
		remote.Status = StatusError
		remote.Reason = "cluster unreachable"
		remote.ConsecutiveFailures = 3
		merged := Merge([]Policy{local}, []Policy{remote})
		Expect(merged[0].Status).To(Equal(StatusError))
		Expect(merged[0].Reason).To(Equal("cluster unreachable"))
		Expect(merged[0].ConsecutiveFailures).To(BeEquivalentTo(3))
	})

	It("falls back to local status when the cluster has none", func() {
		remote.Status = ""
		local.Status = StatusInactive
		merged := Merge([]Policy{local}, []Policy{remote})
		Expect(merged[0].Status).To(Equal(StatusInactive))
	})

	It("never moves lastScaleTime backwards", func() {
		newer := testNow
		older := testNow.Add(-time.Hour)

		local.LastScaleTime = &newer
		remote.LastScaleTime = &older
		Expect(Merge([]Policy{local}, []Policy{remote})[0].LastScaleTime).To(HaveValue(BeTemporally("==", newer)))

		local.LastScaleTime = &older
		remote.LastScaleTime = &newer
		Expect(Merge([]Policy{local}, []Policy{remote})[0].LastScaleTime).To(HaveValue(BeTemporally("==", newer)))

		local.LastScaleTime = &older
		remote.LastScaleTime = nil
		Expect(Merge([]Policy{local}, []Policy{remote})[0].LastScaleTime).To(HaveValue(BeTemporally("==", older)))
	})

	It("takes request parameters from the cluster and fills gaps locally", func() {
		remote.MaxSize = quantity.MustParse("1Ti")
		remote.StepSize = quantity.Quantity{}
		remote.CooldownSeconds = 0
		merged := Merge([]Policy{local}, []Policy{remote})
		Expect(merged[0].MaxSize.String()).To(Equal("1Ti"))
		Expect(merged[0].StepSize.String()).To(Equal("10Gi"))
		Expect(merged[0].CooldownSeconds).To(BeEquivalentTo(300))
	})

	It("does not share pointers with its inputs", func() {
		ts := testNow
		local.LastScaleTime = &ts
		merged := Merge([]Policy{local}, nil)
		*merged[0].LastScaleTime = ts.Add(time.Hour)
		Expect(*local.LastScaleTime).To(BeTemporally("==", testNow))
	})
})

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		store    *memStore
		cluster  *mockCluster
		registry *Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newMemStore(testPolicy())
		cluster = newMockCluster()
		registry = NewRegistry(store, cluster, GinkgoLogr)
	})

	It("merges both sources", func() {
		remote := testPolicy()
		remote.ID = "k8s-default-extra"
		remote.Name = "extra"
		cluster.Resources = []Policy{remote}

		all, err := registry.AllPolicies(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(2))
	})

	It("serves local records as Unknown when the cluster is unreachable", func() {
		cluster.ListErr = ErrClusterUnreachable

		all, err := registry.AllPolicies(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(1))
		Expect(all[0].Status).To(Equal(StatusUnknown))

		stored, err := store.Get(ctx, all[0].ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Status).To(Equal(StatusActive))
	})

	It("finds policies by id", func() {
		p, err := registry.Find(ctx, "policy-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Name).To(Equal("data-autoscaler"))

		_, err = registry.Find(ctx, "missing")
		Expect(err).To(MatchError(ErrNotFound))
	})
})
