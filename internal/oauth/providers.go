package oauth

import "golang.org/x/oauth2"

const (
	ProviderGmail        = "gmail"
	ProviderGoogleSheets = "google_sheets"
	ProviderGoogleDrive  = "google_drive"
	ProviderSlack        = "slack"

	DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

var (
	GoogleEndpoint = oauth2.Endpoint{
		AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:  "https://oauth2.googleapis.com/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	SlackEndpoint = oauth2.Endpoint{
		AuthURL:   "https://slack.com/oauth/v2/authorize",
		TokenURL:  "https://slack.com/api/oauth.v2.access",
		AuthStyle: oauth2.AuthStyleInParams,
	}
)

type provider struct {
	google bool
	scopes []string
}

var providers = map[string]provider{
	ProviderGmail: {google: true, scopes: []string{
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.modify",
		"https://www.googleapis.com/auth/userinfo.email",
	}},
	ProviderGoogleSheets: {google: true, scopes: []string{
		"https://www.googleapis.com/auth/spreadsheets",
		"https://www.googleapis.com/auth/userinfo.email",
	}},
	ProviderGoogleDrive: {google: true, scopes: []string{
		"https://www.googleapis.com/auth/drive",
		"https://www.googleapis.com/auth/userinfo.email",
	}},
	ProviderSlack: {scopes: []string{"chat:write", "channels:read", "users:read"}},
}
