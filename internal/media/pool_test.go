package media

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapPool_GetHonoursRectOrigin(t *testing.T) {
	p := NewBitmapPool()

	img := p.Get(image.Rect(10, 20, 14, 22))

	assert.Equal(t, image.Rect(10, 20, 14, 22), img.Rect)
	assert.Len(t, img.Pix, 4*2*4)
}

func TestBitmapPool_PutIgnoresUnknownSizesAndNil(t *testing.T) {
	p := NewBitmapPool()

	p.Put(nil)
	p.Put(image.NewRGBA(image.Rect(0, 0, 3, 3)))

	img := p.Get(image.Rect(0, 0, 3, 3))
	assert.Equal(t, image.Rect(0, 0, 3, 3), img.Rect)
}

func TestObjectURLs_CreateLookupRevoke(t *testing.T) {
	o := NewObjectURLs()

	u := o.Create(Resource{Data: []byte("x"), MediaType: "image/png"})
	assert.Regexp(t, `^blob:[0-9a-f-]{36}$`, u)

	res, ok := o.Lookup(u)
	assert.True(t, ok)
	assert.Equal(t, "image/png", res.MediaType)

	o.Revoke(u)
	o.Revoke(u)
	_, ok = o.Lookup(u)
	assert.False(t, ok)
	assert.Equal(t, 0, o.Len())
}
