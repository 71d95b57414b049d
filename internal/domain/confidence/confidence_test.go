package confidence

import "testing"

func TestBucketFor(t *testing.T) {
	cases := []struct {
		score int
		want  Bucket
	}{
		{0, BucketVeryLow},
		{69, BucketVeryLow},
		{70, BucketLow},
		{84, BucketLow},
		{85, BucketMedium},
		{92, BucketMedium},
		{93, BucketHigh},
		{97, BucketHigh},
		{98, BucketVeryHigh},
		{100, BucketVeryHigh},
	}
	for _, tc := range cases {
		if got := BucketFor(tc.score); got != tc.want {
			t.Errorf("BucketFor(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestDefaultPrior(t *testing.T) {
	p := DefaultPrior("build", 4)
	if p.TaskType != "build" || p.ComplexityBucket != 4 {
		t.Fatalf("unexpected key: %s/%d", p.TaskType, p.ComplexityBucket)
	}
	if p.SuccessRate != DefaultSuccessRate || p.AvgConfidence != DefaultAvgConfidence {
		t.Fatalf("unexpected defaults: %f/%f", p.SuccessRate, p.AvgConfidence)
	}
	if p.Alpha != DefaultAlpha || p.Beta != DefaultBeta {
		t.Fatalf("unexpected Beta(%v, %v)", p.Alpha, p.Beta)
	}
	if p.SampleSize != 0 {
		t.Fatalf("a fresh prior has no samples, got %d", p.SampleSize)
	}
}
