package fragment

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 10)

	frags := Split("s1", data, 30)
	require.Len(t, frags, 4)
	for i, f := range frags {
		assert.Equal(t, "s1", f.SampleID)
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 4, f.Count)
	}
	assert.Len(t, frags[0].Data, 30)
	assert.Len(t, frags[3].Data, 10)

	single := Split("s2", data, 0)
	require.Len(t, single, 1)
	assert.Equal(t, 1, single[0].Count)

	fits := Split("s3", data, len(data))
	require.Len(t, fits, 1)
}

func TestReassembleOutOfOrder(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 50)
	frags := Split("sample", data, 64)

	r := NewReassembler(time.Second)
	order := []int{3, 0, 5, 1, 4, 2}
	require.Len(t, frags, len(order))

	var got []byte
	for i, idx := range order {
		out, complete, err := r.Add(frags[idx])
		require.NoError(t, err)
		if i < len(order)-1 {
			assert.False(t, complete)
			assert.Equal(t, 1, r.Pending())
			continue
		}
		assert.True(t, complete)
		got = out
	}
	assert.Equal(t, data, got)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleDiscardsDuplicates(t *testing.T) {
	frags := Split("dup", []byte("0123456789"), 4)
	r := NewReassembler(time.Second)

	_, complete, err := r.Add(frags[0])
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = r.Add(frags[0])
	require.NoError(t, err)
	assert.False(t, complete)

	_, _, _ = r.Add(frags[1])
	out, complete, err := r.Add(frags[2])
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "0123456789", string(out))

	_, complete, err = r.Add(frags[1])
	require.NoError(t, err)
	assert.False(t, complete, "late duplicate of a completed sample is ignored")
}

func TestReassembleSingleFragment(t *testing.T) {
	r := NewReassembler(0)
	out, complete, err := r.Add(Fragment{SampleID: "one", Count: 1, Data: []byte("x")})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, []byte("x"), out)
}

func TestReassembleExpiresIncomplete(t *testing.T) {
	now := time.Unix(100, 0)
	r := NewReassembler(time.Second)
	r.now = func() time.Time { return now }

	frags := Split("slow", []byte("abcdef"), 2)
	_, _, err := r.Add(frags[0])
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0, r.Pending())

	_, complete, err := r.Add(frags[1])
	require.NoError(t, err)
	assert.False(t, complete, "expired sample restarts and lacks fragment 0")
}

func TestInvalidFragments(t *testing.T) {
	r := NewReassembler(time.Second)
	_, _, err := r.Add(Fragment{SampleID: "", Count: 1})
	assert.ErrorIs(t, err, ErrInvalidFragment)
	_, _, err = r.Add(Fragment{SampleID: "x", Index: 2, Count: 2})
	assert.ErrorIs(t, err, ErrInvalidFragment)

	_, _, err = r.Add(Fragment{SampleID: "y", Index: 0, Count: 2, Data: []byte("a")})
	require.NoError(t, err)
	_, _, err = r.Add(Fragment{SampleID: "y", Index: 1, Count: 3, Data: []byte("b")})
	assert.ErrorIs(t, err, ErrInvalidFragment)
}

func TestMetadataRoundTrip(t *testing.T) {
	f := Fragment{SampleID: "abc", Index: 2, Count: 5, Data: []byte("d")}
	md := map[string]string{}
	f.Annotate(md)

	got, ok, err := FromMetadata(md, f.Data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f, got)

	_, ok, err = FromMetadata(map[string]string{}, nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	md["lp_frag_index"] = "nope"
	_, ok, err = FromMetadata(md, nil)
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrInvalidFragment)
}
