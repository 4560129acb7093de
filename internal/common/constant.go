package common

// DownloadTokenParam is the query parameter that addresses a file for download.
const DownloadTokenParam = "download_token"

// SessionCookieName carries the session JWT when no Authorization header is sent.
const SessionCookieName = "vault_session"

// RedirectParam names the return-to parameter appended to the login URL.
const RedirectParam = "redirect_to"
