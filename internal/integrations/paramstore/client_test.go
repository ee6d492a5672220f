package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut    *ssm.GetParameterOutput
	getErr    error
	lastInput *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastInput = in
	return f.getOut, f.getErr
}

// fakeGetter serves values by name and counts calls.
type fakeGetter struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: aws.String("p"), Value: aws.String(`{"token":"v"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " p ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"v"}`, v)
	require.Equal(t, "p", aws.ToString(api.lastInput.Name))
	require.True(t, aws.ToBool(api.lastInput.WithDecryption))
}

func TestGetParameter_Errors(t *testing.T) {
	cases := []struct {
		name    string
		api     *fakeAPI
		param   string
		wantErr string
	}{
		{"missing value", &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p")}}}, "p", "missing value"},
		{"nil output", &fakeAPI{}, "p", "missing value"},
		{"api error", &fakeAPI{getErr: errors.New("boom")}, "p", "boom"},
		{"empty name", &fakeAPI{}, "  ", "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.api)
			require.NoError(t, err)
			_, err = client.GetParameter(context.Background(), tc.param)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestJoin(t *testing.T) {
	require.Equal(t, "/plant-doctor/line/channel-secret", Join("/plant-doctor/", ChannelSecretName))
	require.Equal(t, "/plant-doctor/gemini-token", Join(" /plant-doctor", "gemini-token"))
}

func TestTokenSource_CachesSuccess(t *testing.T) {
	getter := &fakeGetter{values: map[string]string{"/p/gemini-token": `{"token":"abc"}`}}
	ts, err := NewTokenSource(getter, "/p/gemini-token")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "abc", tok)
	}
	require.Equal(t, 1, getter.calls)
}

func TestTokenSource_RetriesAfterFailure(t *testing.T) {
	getter := &fakeGetter{err: errors.New("throttled")}
	ts, err := NewTokenSource(getter, "/p/gemini-token")
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.ErrorContains(t, err, "throttled")

	getter.err = nil
	getter.values = map[string]string{"/p/gemini-token": `{"token":"abc"}`}
	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)
	require.Equal(t, 2, getter.calls)
}

func TestTokenSource_BadPayload(t *testing.T) {
	cases := map[string]string{
		"not json":    `abc`,
		"empty token": `{"token":"  "}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			ts, err := NewTokenSource(&fakeGetter{values: map[string]string{"n": raw}}, "n")
			require.NoError(t, err)
			_, err = ts.Token(context.Background())
			require.Error(t, err)
		})
	}
}

func TestNewTokenSource_Validation(t *testing.T) {
	_, err := NewTokenSource(nil, "n")
	require.Error(t, err)
	_, err = NewTokenSource(&fakeGetter{}, " ")
	require.Error(t, err)
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("x").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "x", tok)
	_, err = StaticToken("").Token(context.Background())
	require.Error(t, err)
}
