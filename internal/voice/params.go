package voice

import (
	"strings"

	"github.com/kalambet/dialback/internal/storage"
)

// BuildCallParams maps a scheduled call and its subject to an outbound call
// request. Empty fields are omitted from the dynamic variables; the call's
// language wins over the subject's.
func BuildCallParams(call storage.Call, subject storage.Subject) OutboundCall {
	vars := map[string]string{}
	set := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			vars[key] = v
		}
	}

	set("call_id", call.ID)
	set("subject_name", subject.Name)
	language := call.Language
	if strings.TrimSpace(language) == "" {
		language = subject.Language
	}
	set("language", language)
	set("reason", call.Reason)
	set("purpose", call.Purpose)
	set("notes", call.Notes)
	set("timezone", subject.Timezone)

	return OutboundCall{
		ToNumber:       strings.TrimSpace(subject.Phone),
		InitiationData: &InitiationData{DynamicVariables: vars},
	}
}
