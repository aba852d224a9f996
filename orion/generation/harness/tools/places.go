package tools

import (
	"context"
	"sort"
	"strings"
)

const (
	searchRestaurantsSchema = `{
  "type": "object",
  "properties": {
    "cuisine": {"type": "string", "description": "Exact cuisine, e.g. italian"},
    "area": {"type": "string", "description": "Exact area or neighborhood"},
    "dietary": {"type": "string", "description": "Dietary flag that must be true, e.g. vegetarian_friendly"}
  }
}`
	restaurantIDSchema = `{
  "type": "object",
  "properties": {"restaurant_id": {"type": "string"}},
  "required": ["restaurant_id"]
}`
	distanceSchema = `{
  "type": "object",
  "properties": {"max_distance_km": {"type": "number", "minimum": 0}},
  "required": ["max_distance_km"]
}`
)

func restaurantTools(d *DataLake) []*accessor {
	type searchParams struct {
		Cuisine string `json:"cuisine"`
		Area    string `json:"area"`
		Dietary string `json:"dietary"`
	}
	type idParams struct {
		RestaurantID string `json:"restaurant_id"`
	}
	type distanceParams struct {
		MaxDistanceKm float64 `json:"max_distance_km"`
	}
	restaurants := func() ([]Record, error) { return d.records(RestaurantsFile, "restaurants") }

	return []*accessor{
		bind("search_restaurants", "Search restaurants by cuisine, area and dietary flag. Every filter is optional.", searchRestaurantsSchema,
			func(ctx context.Context, p searchParams) (any, error) {
				all, err := restaurants()
				if err != nil {
					return nil, err
				}
				return filter(all, func(r Record) bool {
					if p.Cuisine != "" && !strings.EqualFold(str(r, "cuisine"), p.Cuisine) {
						return false
					}
					if p.Area != "" && !strings.EqualFold(str(r, "area"), p.Area) {
						return false
					}
					if p.Dietary != "" {
						ok, _ := r[p.Dietary].(bool)
						return ok
					}
					return true
				}), nil
			}),
		bind("get_restaurant_by_id", "Fetch one restaurant by id.", restaurantIDSchema,
			func(ctx context.Context, p idParams) (any, error) {
				all, err := restaurants()
				if err != nil {
					return nil, err
				}
				return first(all, func(r Record) bool { return str(r, "id") == p.RestaurantID }), nil
			}),
		bind("find_restaurants_by_distance", "List restaurants within a distance, nearest first.", distanceSchema,
			func(ctx context.Context, p distanceParams) (any, error) {
				all, err := restaurants()
				if err != nil {
					return nil, err
				}
				near := filter(all, func(r Record) bool { return num(r, "distance_km") <= p.MaxDistanceKm })
				sort.SliceStable(near, func(i, j int) bool { return num(near[i], "distance_km") < num(near[j], "distance_km") })
				return near, nil
			}),
	}
}
