package memento

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		result  Result
		wantErr string
	}{
		{
			name:   "found",
			result: Result{OriginalURL: "https://x.test", FoundURL: "https://a/web/1/x", DepotUsedName: "A"},
		},
		{
			name:   "submitted",
			result: Result{OriginalURL: "https://x.test", SubmittedURL: "https://archive.today/abc", SubmittedName: "archive.today"},
		},
		{name: "empty", result: Result{OriginalURL: "https://x.test"}, wantErr: "neither"},
		{name: "no original", result: Result{FoundURL: "f", DepotUsedName: "A"}, wantErr: "original"},
		{
			name:    "both",
			result:  Result{OriginalURL: "u", FoundURL: "f", DepotUsedName: "A", SubmittedURL: "s", SubmittedName: "S"},
			wantErr: "both",
		},
		{name: "found without depot", result: Result{OriginalURL: "u", FoundURL: "f"}, wantErr: "depot"},
		{name: "submitted with depot", result: Result{OriginalURL: "u", SubmittedURL: "s", SubmittedName: "S", DepotUsedName: "A"}, wantErr: "submitter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.result.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestResultAccessors(t *testing.T) {
	t.Parallel()

	found := Result{FoundURL: "f"}
	require.True(t, found.Found())
	require.False(t, found.Submitted())
	require.Equal(t, "f", found.SnapshotURL())

	submitted := Result{SubmittedURL: "s"}
	require.True(t, submitted.Submitted())
	require.Equal(t, "s", submitted.SnapshotURL())
}

func TestMementoFound(t *testing.T) {
	t.Parallel()

	require.True(t, Memento{Status: 302, URL: "u"}.Found())
	require.False(t, Memento{Status: 404, URL: "u"}.Found())
	require.False(t, Memento{Status: 200}.Found())
}

func TestResolutionStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []ResolutionStatus{StatusFound, StatusSubmitted, StatusFailed, StatusCanceled} {
		require.True(t, s.Terminal(), s)
	}
	for _, s := range []ResolutionStatus{StatusQueued, StatusResolving, StatusSubmitting} {
		require.False(t, s.Terminal(), s)
	}
}
