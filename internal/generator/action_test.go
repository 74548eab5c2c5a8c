package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAction(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantText string
		wantType string
		wantErr  bool
	}{
		{
			name:     "no marker",
			raw:      "  שלום  ",
			wantText: "שלום",
		},
		{
			name:     "trailing marker",
			raw:      "תודה!\n<<action {\"type\":\"create_order\",\"fields\":{}}>>",
			wantText: "תודה!",
			wantType: "create_order",
		},
		{
			name:     "last of several wins",
			raw:      "<<action {\"type\":\"lead\"}>>a <<action {\"type\":\"create_order\"}>>",
			wantText: "a",
			wantType: "create_order",
		},
		{
			name:     "malformed json stripped",
			raw:      "היי <<action {\"type\": }>>",
			wantText: "היי",
			wantErr:  true,
		},
		{
			name:     "missing type",
			raw:      "x <<action {\"fields\":{}}>>",
			wantText: "x",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, action, err := ExtractAction(tt.raw)
			assert.Equal(t, tt.wantText, text)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, action)
				return
			}
			require.NoError(t, err)
			if tt.wantType == "" {
				assert.Nil(t, action)
				return
			}
			require.NotNil(t, action)
			assert.Equal(t, tt.wantType, action.Type)
		})
	}
}

func TestExtractAction_FieldValuesStringified(t *testing.T) {
	_, a, err := ExtractAction(`<<action {"type":"create_order","fields":{"quantity":3,"gift":true,"notes":null,"name":" רון "}}>>`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"quantity": "3", "gift": "true", "notes": "", "name": "רון"}, a.Fields)
}

func TestCleanMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**מבצע** היום", "מבצע היום"},
		{"*חשוב* לדעת", "חשוב לדעת"},
		{"### כותרת\nטקסט", "כותרת\nטקסט"},
		{"# א\n## ב", "א\nב"},
		{"כוכבית בודדת * כאן", "כוכבית בודדת  כאן"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanMarkdown(tt.in), tt.in)
	}
}
