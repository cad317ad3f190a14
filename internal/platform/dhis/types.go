package dhis

// ImportSummaryWebMessage is the DHIS2 response envelope for tracker imports.
type ImportSummaryWebMessage struct {
	Status   string `json:"status"`
	Response struct {
		ImportSummaries []ImportSummary `json:"importSummaries"`
	} `json:"response"`
}

// ImportSummary is one per-resource entry of an import response.
type ImportSummary struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

// Successful reports whether the import as a whole succeeded.
func (m *ImportSummaryWebMessage) Successful() bool {
	return m.Status == "OK"
}

// FirstReference returns the id assigned to the first imported resource, or
// the empty string if none was reported.
func (m *ImportSummaryWebMessage) FirstReference() string {
	if len(m.Response.ImportSummaries) == 0 {
		return ""
	}
	return m.Response.ImportSummaries[0].Reference
}
