// Package cache provides a bounded read cache for persisted observations that
// can be looked up by observation id or by location name.
package cache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

// ErrInvalidEntry is returned by Put and Delete when the observation lacks an
// id or a location name.
var ErrInvalidEntry = errors.New("invalid cache entry: id and location name are required")

// WeatherCache is a bounded LRU cache with two lookup indexes over one recency
// order. Evicting an entry removes it from both indexes, so a lookup by id and
// a lookup by location name never disagree about whether an entry is cached.
//
// The location index points at the observation most recently put for that
// location. Deleting an observation clears both its id and its location name.
//
// All operations, including reads, take the same mutex: a hit moves the entry
// to the front of the recency list.
type WeatherCache struct {
	mu         sync.Mutex
	capacity   int
	order      *list.List // front = most recently used; values are *entry
	byID       map[string]*list.Element
	byLocation map[string]*list.Element
}

type entry struct {
	obs weather.Observation
}

// New creates a cache holding at most capacity observations. A capacity below
// one is raised to one.
func New(capacity int) *WeatherCache {
	if capacity < 1 {
		capacity = 1
	}
	return &WeatherCache{
		capacity:   capacity,
		order:      list.New(),
		byID:       make(map[string]*list.Element),
		byLocation: make(map[string]*list.Element),
	}
}

// GetByID returns the cached observation with the given id.
func (c *WeatherCache) GetByID(id string) (weather.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byID[id]
	if !ok {
		return weather.Observation{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).obs, true
}

// GetByLocation returns the observation most recently put for the location.
func (c *WeatherCache) GetByLocation(name string) (weather.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byLocation[name]
	if !ok {
		return weather.Observation{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).obs, true
}

// Put inserts or refreshes obs and evicts the least recently used entry if the
// cache is over capacity.
func (c *WeatherCache) Put(obs weather.Observation) error {
	if obs.ID == "" || obs.LocationName == "" {
		return ErrInvalidEntry
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byID[obs.ID]
	if ok {
		prev := el.Value.(*entry).obs
		if prev.LocationName != obs.LocationName {
			c.unlinkLocation(prev.LocationName, el)
		}
		el.Value.(*entry).obs = obs
		c.order.MoveToFront(el)
	} else {
		el = c.order.PushFront(&entry{obs: obs})
		c.byID[obs.ID] = el
	}

	c.byLocation[obs.LocationName] = el

	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
	return nil
}

// Delete removes the entry cached under obs.ID and the location mapping for
// obs.LocationName. Other observations of that location stay reachable by id.
// Deleting an entry that is not cached is a no-op.
func (c *WeatherCache) Delete(obs weather.Observation) error {
	if obs.ID == "" || obs.LocationName == "" {
		return ErrInvalidEntry
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byID[obs.ID]; ok {
		c.removeElement(el)
	}
	delete(c.byLocation, obs.LocationName)
	return nil
}

// DeleteLocation drops every cached observation of the location.
func (c *WeatherCache) DeleteLocation(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).obs.LocationName == name {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of cached observations.
func (c *WeatherCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *WeatherCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	obs := el.Value.(*entry).obs
	c.order.Remove(el)
	delete(c.byID, obs.ID)
	c.unlinkLocation(obs.LocationName, el)
}

// unlinkLocation removes the location mapping if it points at el.
func (c *WeatherCache) unlinkLocation(name string, el *list.Element) {
	if cur, ok := c.byLocation[name]; ok && cur == el {
		delete(c.byLocation, name)
	}
}
