package wxapi

type requestOptions struct {
	retryable         bool
	reloadAccessToken bool
}

func newRequestOptions(opts ...RequestOption) *requestOptions {
	defaults := &requestOptions{
		retryable:         true,
		reloadAccessToken: false,
	}
	for _, opt := range opts {
		opt(defaults)
	}
	return defaults
}

type RequestOption = func(*requestOptions)

func WithRetryable(retryable bool) RequestOption {
	return func(opts *requestOptions) {
		opts.retryable = retryable
	}
}

func WithReloadAccessToken(reload bool) RequestOption {
	return func(opts *requestOptions) {
		opts.reloadAccessToken = reload
	}
}

func WithClone(opts *requestOptions) RequestOption {
	return func(o *requestOptions) {
		o.retryable = opts.retryable
		o.reloadAccessToken = opts.reloadAccessToken
	}
}
