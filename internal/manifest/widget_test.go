//go:build legacywidget

package manifest_test

import (
	"testing"

	"github.com/iotbzh/afmpkg-installer/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validWidgetXML = `<?xml version="1.0" encoding="UTF-8"?>
<widget id="com.example.widget" version="2.0.0">
  <name>Example Widget</name>
  <content src="index.html" type="text/html"/>
  <feature name="urn:AGL:permission:fs:read" required="true"/>
  <feature name="urn:AGL:permission:audio" required="false"/>
</widget>
`

func TestLoadXMLValid(t *testing.T) {
	m, err := manifest.LoadXML([]byte(validWidgetXML))
	require.NoError(t, err)

	assert.Equal(t, "com.example.widget", m.ID)
	assert.Equal(t, "2.0.0", m.Version)
	assert.Equal(t, "2.0", m.Ver)
	require.Len(t, m.Targets, 1)
	assert.Equal(t, "index.html", m.Targets[0].Content.Src)

	assert.True(t, m.RequiredPermissions["urn:AGL:permission:fs:read"].Required)
	assert.False(t, m.RequiredPermissions["urn:AGL:permission:audio"].Required)
}

func TestLoadXMLInvalid(t *testing.T) {
	_, err := manifest.LoadXML([]byte("not xml"))
	assert.Error(t, err)
}
