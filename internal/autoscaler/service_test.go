package autoscaler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/volumania/volumania/internal/quantity"
)

func validRequest() Request {
	return Request{
		Namespace:            testKey.Namespace,
		PVCName:              testKey.Name,
		MinSize:              "10Gi",
		MaxSize:              "100Gi",
		StepSize:             "10Gi",
		TriggerAbovePercent:  80,
		CheckIntervalSeconds: 60,
		CooldownSeconds:      300,
	}
}

func TestRequest_Validation(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		Name      string
		Mutate    func(r *Request)
		Malformed bool
	}{
		{"bad min size", func(r *Request) { r.MinSize = "ten gigs" }, true},
		{"empty step", func(r *Request) { r.StepSize = "" }, true},
		{"min above max", func(r *Request) { r.MinSize = "200Gi" }, false},
		{"zero step", func(r *Request) { r.StepSize = "0Gi" }, false},
		{"trigger zero", func(r *Request) { r.TriggerAbovePercent = 0 }, false},
		{"trigger above 100", func(r *Request) { r.TriggerAbovePercent = 101 }, false},
		{"short interval", func(r *Request) { r.CheckIntervalSeconds = 9 }, false},
		{"short cooldown", func(r *Request) { r.CooldownSeconds = 59 }, false},
		{"bad namespace", func(r *Request) { r.Namespace = "Not_Valid" }, false},
		{"missing pvc", func(r *Request) { r.PVCName = "" }, false},
	} {
		req := validRequest()
		tt.Mutate(&req)

		_, err := req.toPolicy()
		require.ErrorIs(t, err, ErrInvalidRequest, tt.Name)
		require.Equal(t, tt.Malformed, errors.Is(err, quantity.ErrMalformed), tt.Name)
	}

	t.Run("defaults name", func(t *testing.T) {
		p, err := validRequest().toPolicy()
		require.NoError(t, err)
		require.Equal(t, "data-autoscaler", p.Name)
		require.Equal(t, "10Gi", p.StepSize.String())
	})

	t.Run("boundaries", func(t *testing.T) {
		req := validRequest()
		req.TriggerAbovePercent = 100
		req.CheckIntervalSeconds = MinCheckIntervalSeconds
		req.CooldownSeconds = MinCooldownSeconds
		req.MinSize = req.MaxSize
		_, err := req.toPolicy()
		require.NoError(t, err)
	})
}

func TestEngine_CreatePolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		store := newMemStore()
		cluster := newMockCluster(testVolume("50Gi"))
		engine, _ := newTestEngine(store, cluster, &mockSampler{})
		engine.newID = func() string { return "new-id" }
		t.Cleanup(engine.Stop)

		res, err := engine.CreatePolicy(ctx, validRequest())
		require.NoError(t, err)
		require.Empty(t, res.Warning)

		p := res.Policy
		require.Equal(t, "new-id", p.ID)
		require.Equal(t, StatusActive, p.Status)
		require.Equal(t, OriginAPI, p.Origin)
		require.True(t, p.CreatedAt.Equal(testNow))

		stored, err := store.Get(ctx, "new-id")
		require.NoError(t, err)
		require.Equal(t, p.Key(), stored.Key())
		require.Equal(t, 1, cluster.CreateCount)
		require.True(t, cluster.Markers[testKey])
		require.True(t, engine.Scheduled("new-id"))
	})

	t.Run("invalid request has no side effects", func(t *testing.T) {
		store := newMemStore()
		cluster := newMockCluster(testVolume("50Gi"))
		engine, _ := newTestEngine(store, cluster, &mockSampler{})

		req := validRequest()
		req.MaxSize = "lots"
		_, err := engine.CreatePolicy(ctx, req)
		require.ErrorIs(t, err, ErrInvalidRequest)
		require.ErrorIs(t, err, quantity.ErrMalformed)
		require.Zero(t, store.PutCount)
		require.Zero(t, cluster.CreateCount)
	})

	t.Run("volume not found", func(t *testing.T) {
		engine, _ := newTestEngine(newMemStore(), newMockCluster(), &mockSampler{})

		_, err := engine.CreatePolicy(ctx, validRequest())
		require.ErrorIs(t, err, ErrVolumeNotFound)
	})

	t.Run("volume below min size", func(t *testing.T) {
		engine, _ := newTestEngine(newMemStore(), newMockCluster(testVolume("5Gi")), &mockSampler{})

		_, err := engine.CreatePolicy(ctx, validRequest())
		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("duplicate target in store", func(t *testing.T) {
		store := newMemStore(testPolicy())
		cluster := newMockCluster(testVolume("50Gi"))
		engine, _ := newTestEngine(store, cluster, &mockSampler{})

		req := validRequest()
		req.Name = "another"
		_, err := engine.CreatePolicy(ctx, req)
		require.ErrorIs(t, err, ErrDuplicateTarget)
		require.Zero(t, store.PutCount)
		require.Zero(t, cluster.CreateCount)
	})

	t.Run("duplicate target in cluster", func(t *testing.T) {
		store := newMemStore()
		cluster := newMockCluster(testVolume("50Gi"))
		cluster.Claimed = true
		engine, _ := newTestEngine(store, cluster, &mockSampler{})

		_, err := engine.CreatePolicy(ctx, validRequest())
		require.ErrorIs(t, err, ErrDuplicateTarget)
		require.Zero(t, store.PutCount)
	})

	t.Run("policy resource already exists", func(t *testing.T) {
		store := newMemStore()
		cluster := newMockCluster(testVolume("50Gi"))
		cluster.CreateErr = ErrAlreadyExists
		engine, _ := newTestEngine(store, cluster, &mockSampler{})

		_, err := engine.CreatePolicy(ctx, validRequest())
		require.ErrorIs(t, err, ErrDuplicateTarget)
		require.Zero(t, store.PutCount)
	})

	t.Run("cluster unreachable stores locally", func(t *testing.T) {
		store := newMemStore()
		cluster := newMockCluster(testVolume("50Gi"))
		cluster.CreateErr = ErrClusterUnreachable
		engine, _ := newTestEngine(store, cluster, &mockSampler{})
		t.Cleanup(engine.Stop)

		res, err := engine.CreatePolicy(ctx, validRequest())
		require.NoError(t, err)
		require.NotEmpty(t, res.Warning)
		require.Equal(t, 1, store.PutCount)
	})

	t.Run("store failure rolls back resource", func(t *testing.T) {
		store := newMemStore()
		store.PutErr = errors.New("disk full")
		cluster := newMockCluster(testVolume("50Gi"))
		engine, _ := newTestEngine(store, cluster, &mockSampler{})

		_, err := engine.CreatePolicy(ctx, validRequest())
		require.Error(t, err)
		require.Equal(t, 1, cluster.DeleteCount)
		require.Empty(t, cluster.Resources)
	})
}

func TestEngine_DeletePolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		policy := testPolicy()
		store := newMemStore(policy)
		cluster := newMockCluster(testVolume("50Gi"))
		cluster.Resources = []Policy{policy}
		cluster.Markers[testKey] = true
		engine, _ := newTestEngine(store, cluster, &mockSampler{})
		t.Cleanup(engine.Stop)
		engine.schedule(policy.ID)

		ok, err := engine.DeletePolicy(ctx, policy.ID)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = store.Get(ctx, policy.ID)
		require.ErrorIs(t, err, ErrNotFound)
		require.Empty(t, cluster.Resources)
		require.False(t, cluster.Markers[testKey])
		require.False(t, engine.Scheduled(policy.ID))
	})

	t.Run("unknown id", func(t *testing.T) {
		engine, _ := newTestEngine(newMemStore(), newMockCluster(), &mockSampler{})

		ok, err := engine.DeletePolicy(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("cluster-only policy", func(t *testing.T) {
		policy := testPolicy()
		policy.ID = ClusterPolicyID(policy.Namespace, policy.Name)
		cluster := newMockCluster(testVolume("50Gi"))
		cluster.Resources = []Policy{policy}
		engine, _ := newTestEngine(newMemStore(), cluster, &mockSampler{})

		ok, err := engine.DeletePolicy(ctx, policy.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, cluster.Resources)
	})

	t.Run("cluster failure keeps policy running", func(t *testing.T) {
		policy := testPolicy()
		store := newMemStore(policy)
		cluster := newMockCluster(testVolume("50Gi"))
		cluster.DeleteErr = ErrClusterUnreachable
		engine, _ := newTestEngine(store, cluster, &mockSampler{})
		t.Cleanup(engine.Stop)
		engine.schedule(policy.ID)

		ok, err := engine.DeletePolicy(ctx, policy.ID)
		require.ErrorIs(t, err, ErrClusterUnreachable)
		require.False(t, ok)

		_, err = store.Get(ctx, policy.ID)
		require.NoError(t, err)
		require.True(t, engine.Scheduled(policy.ID))
	})
}

func TestEngine_SetStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	policy := testPolicy()
	policy.Status = StatusError
	policy.ConsecutiveFailures = 3
	store := newMemStore(policy)
	engine, _ := newTestEngine(store, newMockCluster(), &mockSampler{})
	t.Cleanup(engine.Stop)

	_, err := engine.SetStatus(ctx, policy.ID, StatusUnknown)
	require.ErrorIs(t, err, ErrInvalidRequest)

	got, err := engine.SetStatus(ctx, policy.ID, StatusInactive)
	require.NoError(t, err)
	require.Equal(t, StatusInactive, got.Status)
	require.Zero(t, got.ConsecutiveFailures)

	_, err = engine.SetStatus(ctx, "missing", StatusActive)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_Adopt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("imports cluster policy", func(t *testing.T) {
		remote := testPolicy()
		remote.ID = ""
		remote.Origin = ""
		store := newMemStore()
		engine, _ := newTestEngine(store, newMockCluster(testVolume("50Gi")), &mockSampler{})
		t.Cleanup(engine.Stop)

		require.NoError(t, engine.Adopt(ctx, remote))

		got, err := store.Get(ctx, "k8s-default-data-autoscaler")
		require.NoError(t, err)
		require.Equal(t, OriginCluster, got.Origin)
		require.True(t, engine.Scheduled(got.ID))

		require.NoError(t, engine.ReleaseByName(ctx, remote.Namespace, remote.Name))
		_, err = store.Get(ctx, got.ID)
		require.ErrorIs(t, err, ErrNotFound)
		require.False(t, engine.Scheduled(got.ID))
	})

	t.Run("updates existing record", func(t *testing.T) {
		local := testPolicy()
		store := newMemStore(local)
		engine, _ := newTestEngine(store, newMockCluster(), &mockSampler{})
		t.Cleanup(engine.Stop)

		remote := local
		remote.ID = ""
		remote.MaxSize = quantity.MustParse("200Gi")
		require.NoError(t, engine.Adopt(ctx, remote))

		got, err := store.Get(ctx, local.ID)
		require.NoError(t, err)
		require.Equal(t, "200Gi", got.MaxSize.String())
		require.Equal(t, OriginAPI, got.Origin)
	})

	t.Run("rejects second policy for a volume", func(t *testing.T) {
		local := testPolicy()
		store := newMemStore(local)
		engine, _ := newTestEngine(store, newMockCluster(), &mockSampler{})
		t.Cleanup(engine.Stop)

		remote := testPolicy()
		remote.ID = ""
		remote.Name = "renamed"
		require.ErrorIs(t, engine.Adopt(ctx, remote), ErrDuplicateTarget)

		all, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.False(t, engine.Scheduled("k8s-default-renamed"))
	})

	t.Run("api policies survive release", func(t *testing.T) {
		local := testPolicy()
		store := newMemStore(local)
		engine, _ := newTestEngine(store, newMockCluster(), &mockSampler{})

		require.NoError(t, engine.Release(ctx, local.Key()))
		_, err := store.Get(ctx, local.ID)
		require.NoError(t, err)
	})
}

func TestEngine_ListVolumes(t *testing.T) {
	t.Parallel()

	cluster := newMockCluster(testVolume("50Gi"))
	engine, _ := newTestEngine(newMemStore(), cluster, &mockSampler{Usage: Usage{UsedBytes: 25, TotalBytes: 100}})

	vols, err := engine.ListVolumes(context.Background())
	require.NoError(t, err)
	require.Len(t, vols, 1)
	require.InDelta(t, 25, vols[0].UsagePercent, 0.001)

	cluster.ReadErr = ErrClusterUnreachable
	_, err = engine.ListVolumes(context.Background())
	require.ErrorIs(t, err, ErrClusterUnreachable)

}
