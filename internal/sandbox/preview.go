package sandbox

import "net/url"

// NormalizePreview returns a preview in separate-field form. Providers may
// embed the access token in the URL as a tkn query parameter; this extracts
// it into Token and strips it from the URL. A preview that already carries a
// separate token is returned unchanged.
func NormalizePreview(p Preview) Preview {
	if p.Token != "" || p.URL == "" {
		return p
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return p
	}
	q := u.Query()
	token := q.Get("tkn")
	if token == "" {
		return p
	}
	q.Del("tkn")
	u.RawQuery = q.Encode()
	return Preview{URL: u.String(), Token: token}
}
